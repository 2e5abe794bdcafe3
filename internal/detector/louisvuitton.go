package detector

import (
	"github.com/PuerkitoBio/goquery"
)

var (
	lvBuyPhrases        = []string{"add to bag", "add to cart", "カートに追加", "カートに入れる", "加入购物车"}
	lvInStockPhrases    = []string{"available", "在庫あり", "有库存", "in stock"}
	lvOutOfStockPhrases = []string{"sold out", "out of stock", "unavailable", "在庫切れ", "缺货"}
	lvAvailability      = []string{
		".availability", ".stock-status", ".product-availability",
		`[data-testid*="availability"]`, `[class*="availability"]`,
	}
	lvPrice = []string{".price", ".product-price", `[class*="price"]`, `[data-testid*="price"]`}
)

// LouisVuitton detects availability on Louis Vuitton product pages.
type LouisVuitton struct{}

// NewLouisVuitton returns the Louis Vuitton detector.
func NewLouisVuitton() *LouisVuitton { return &LouisVuitton{} }

// Name implements Detector.
func (*LouisVuitton) Name() string { return "louisvuitton" }

// Detect implements Detector. An enabled add-to-bag control without
// out-of-stock text is enough to call the product available.
func (*LouisVuitton) Detect(pageURL string, doc *goquery.Document) (Detection, error) {
	var s signals

	doc.Find("button, a").Each(func(_ int, b *goquery.Selection) {
		if !containsAny(lowerText(b), lvBuyPhrases) {
			return
		}
		if disabled(b) {
			s.add(signalBuyDisabled)
		} else {
			s.add(signalBuyEnabled)
		}
	})

	for _, sel := range lvAvailability {
		doc.Find(sel).Each(func(_ int, el *goquery.Selection) {
			text := lowerText(el)
			switch {
			case containsAny(text, lvOutOfStockPhrases):
				s.add(signalOutOfStock)
			case containsAny(text, lvInStockPhrases):
				s.add(signalInStock)
			}
		})
	}

	for _, sel := range lvPrice {
		doc.Find(sel).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if p, ok := ParsePrice(el.Text()); ok {
				s.setPrice(p)
				return false
			}
			return true
		})
		if s.price != nil {
			break
		}
	}

	return conclude(pageURL, pageTitle(doc, "h1"), s, func(s signals) bool {
		return s.buyEnabled && !s.outOfStock
	})
}
