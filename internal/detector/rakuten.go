package detector

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	rakutenBuyClass = regexp.MustCompile(`(?i)cart|buy|purchase`)
	stockWord       = regexp.MustCompile(`(?i)在庫|stock|库存`)
)

// Rakuten detects availability on Rakuten Ichiba item pages.
type Rakuten struct{}

// NewRakuten returns the Rakuten detector.
func NewRakuten() *Rakuten { return &Rakuten{} }

// Name implements Detector.
func (*Rakuten) Name() string { return "rakuten" }

// Detect implements Detector. Rakuten pages need an enabled buy control and a
// visible price before a product counts as available.
func (*Rakuten) Detect(pageURL string, doc *goquery.Document) (Detection, error) {
	var s signals

	buttons := classMatches(doc, "button, input, a", rakutenBuyClass)
	buttons.EachWithBreak(func(_ int, b *goquery.Selection) bool {
		if disabled(b) {
			s.add(signalBuyDisabled)
			return true
		}
		s.add(signalBuyEnabled)
		return false
	})

	for _, text := range textNodes(doc) {
		if !stockWord.MatchString(text) {
			continue
		}
		lower := strings.ToLower(text)
		switch {
		case containsAny(lower, []string{"なし", "切れ", "out of", "unavailable", "无"}):
			s.add(signalOutOfStock)
		case containsAny(lower, []string{"あり", "available", "in stock", "有"}):
			s.add(signalInStock)
		}
	}

	classMatches(doc, "span, div", priceClass).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if p, ok := parseYen(el.Text()); ok {
			s.setPrice(p)
			return false
		}
		return true
	})

	return conclude(pageURL, pageTitle(doc, ".item_name", "h1"), s, func(s signals) bool {
		return s.buyEnabled && !s.outOfStock && s.price != nil
	})
}
