package detector

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

const (
	signalBuyEnabled  = "buy_button_enabled"
	signalBuyDisabled = "buy_button_disabled"
	signalInStock     = "stock_available_text"
	signalOutOfStock  = "out_of_stock_text"
	signalPrice       = "price_found"
)

var (
	yenPrice   = regexp.MustCompile(`[¥￥]\s*[\d,]+|[\d,]+\s*円`)
	anyPrice   = regexp.MustCompile(`[¥￥$€£]\s*[\d,]+(?:\.\d+)?|[\d,]+(?:\.\d+)?\s*[円元]`)
	priceStrip = strings.NewReplacer("¥", "", "￥", "", "$", "", "€", "", "£", "", "円", "", "元", "", ",", "", " ", "")
)

// signals accumulates the indicators a detector observed on a page.
type signals struct {
	buyEnabled  bool
	buyDisabled bool
	inStock     bool
	outOfStock  bool
	price       *float64
	list        []string
}

func (s *signals) add(name string) {
	for _, existing := range s.list {
		if existing == name {
			return
		}
	}
	s.list = append(s.list, name)
	switch name {
	case signalBuyEnabled:
		s.buyEnabled = true
	case signalBuyDisabled:
		s.buyDisabled = true
	case signalInStock:
		s.inStock = true
	case signalOutOfStock:
		s.outOfStock = true
	}
}

func (s *signals) setPrice(p float64) {
	if s.price != nil {
		return
	}
	s.price = &p
	s.add(signalPrice)
}

// conclude maps observed signals to a Detection. Out-of-stock text wins over
// everything; a buy signal counts only when the site rule accepts it; a
// disabled purchase control reads as unavailable. Anything else is a parse error.
func conclude(pageURL, title string, s signals, availableRule func(signals) bool) (Detection, error) {
	det := Detection{Title: title, Price: s.price, Signals: s.list, Availability: monitor.Unknown}
	switch {
	case s.outOfStock:
		det.Availability = monitor.Unavailable
	case availableRule(s):
		det.Availability = monitor.Available
	case s.buyDisabled && !s.buyEnabled:
		det.Availability = monitor.Unavailable
	case s.buyEnabled || s.inStock:
		return det, &monitor.ParseError{URL: pageURL, Reason: "inconclusive signals: " + det.RawSignal()}
	default:
		return det, &monitor.ParseError{URL: pageURL, Reason: "no availability signal"}
	}
	return det, nil
}

// ParsePrice extracts the first price in text using any supported currency
// marker (¥ ￥ $ € £ prefixes, 円 元 suffixes).
func ParsePrice(text string) (float64, bool) {
	return parseWith(anyPrice, text)
}

func parseYen(text string) (float64, bool) {
	return parseWith(yenPrice, text)
}

func parseWith(re *regexp.Regexp, text string) (float64, bool) {
	for _, m := range re.FindAllString(text, -1) {
		v, err := strconv.ParseFloat(priceStrip.Replace(m), 64)
		if err == nil && v > 0 {
			return v, true
		}
	}
	return 0, false
}

func lowerText(sel *goquery.Selection) string {
	return strings.ToLower(strings.Join(strings.Fields(sel.Text()), " "))
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// disabled reports whether a purchase control is inert.
func disabled(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return true
	}
	if v, ok := sel.Attr("aria-disabled"); ok && strings.EqualFold(v, "true") {
		return true
	}
	for _, class := range strings.Fields(sel.AttrOr("class", "")) {
		if strings.EqualFold(class, "disabled") {
			return true
		}
	}
	return false
}

// textNodes returns the trimmed text nodes under body, skipping scripts and styles.
func textNodes(doc *goquery.Document) []string {
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				out = append(out, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			walk(n)
		}
	})
	return out
}

// pageTitle prefers the first non-empty selector match, then og:title, then <title>.
func pageTitle(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return strings.Join(strings.Fields(t), " ")
		}
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}

// classMatches selects elements whose class attribute matches re.
func classMatches(doc *goquery.Document, selector string, re *regexp.Regexp) *goquery.Selection {
	return doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return re.MatchString(s.AttrOr("class", ""))
	})
}
