package detector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	genericBuyPhrases = []string{
		"add to cart", "カートに入れる", "カートに追加", "购买", "立即购买",
		"buy now", "add to bag", "add to basket", "今すぐ購入",
	}
	genericOutOfStockPhrases = []string{
		"out of stock", "sold out", "在庫切れ", "在庫なし",
		"缺货", "售完", "temporarily unavailable", "currently unavailable",
	}
)

// Generic is the fallback detector for sites without dedicated rules. It
// looks for common purchase markers, out-of-stock phrases, and a price.
type Generic struct{}

// NewGeneric returns the fallback detector.
func NewGeneric() *Generic { return &Generic{} }

// Name implements Detector.
func (*Generic) Name() string { return "generic" }

// Detect implements Detector.
func (*Generic) Detect(pageURL string, doc *goquery.Document) (Detection, error) {
	var s signals

	doc.Find("button, input, a").Each(func(_ int, b *goquery.Selection) {
		label := lowerText(b)
		if goquery.NodeName(b) == "input" {
			label = strings.ToLower(b.AttrOr("value", ""))
		}
		if !containsAny(label, genericBuyPhrases) {
			return
		}
		if disabled(b) {
			s.add(signalBuyDisabled)
		} else {
			s.add(signalBuyEnabled)
		}
	})

	page := strings.ToLower(strings.Join(textNodes(doc), " "))
	if containsAny(page, genericOutOfStockPhrases) {
		s.add(signalOutOfStock)
	}
	if p, ok := ParsePrice(page); ok {
		s.setPrice(p)
	}

	return conclude(pageURL, pageTitle(doc, "h1"), s, func(s signals) bool {
		return s.buyEnabled && !s.outOfStock && s.price != nil
	})
}
