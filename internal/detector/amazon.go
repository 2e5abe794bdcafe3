package detector

import (
	"regexp"

	"github.com/PuerkitoBio/goquery"
)

var priceClass = regexp.MustCompile(`(?i)price`)

// Amazon detects availability on Amazon product pages.
type Amazon struct{}

// NewAmazon returns the Amazon detector.
func NewAmazon() *Amazon { return &Amazon{} }

// Name implements Detector.
func (*Amazon) Name() string { return "amazon" }

// Detect implements Detector. A product is available when the add-to-cart
// button is enabled, no out-of-stock text is shown, and at least one other
// indicator (stock text or price) corroborates it.
func (*Amazon) Detect(pageURL string, doc *goquery.Document) (Detection, error) {
	var s signals

	if btn := doc.Find("#add-to-cart-button").First(); btn.Length() > 0 {
		if disabled(btn) {
			s.add(signalBuyDisabled)
		} else {
			s.add(signalBuyEnabled)
		}
	}

	if avail := doc.Find("#availability"); avail.Length() > 0 {
		text := lowerText(avail)
		switch {
		case containsAny(text, []string{"在庫切れ", "out of stock", "unavailable", "現在お取り扱いできません"}):
			s.add(signalOutOfStock)
		case containsAny(text, []string{"在庫あり", "in stock", "available"}):
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

	return conclude(pageURL, pageTitle(doc, "#productTitle"), s, func(s signals) bool {
		return s.buyEnabled && !s.outOfStock && len(s.list) >= 2
	})
}
