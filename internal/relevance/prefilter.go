package relevance

import (
	"strings"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// nonProductMarkers flag URLs that are almost never product pages.
var nonProductMarkers = []string{
	"help", "support", "contact", "about", "privacy", "terms",
	"blog", "news", "press", "careers", "investor",
	"search", "category", "sitemap", "login", "register",
}

// Prefilter drops candidates whose URL looks like a non-product page or whose
// host does not belong to one of the target sites.
func Prefilter(sites []string, candidates []monitor.Candidate) []monitor.Candidate {
	sites = monitor.NormalizeSites(sites)
	out := make([]monitor.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if looksNonProduct(c.URL) || !onTargetSite(c.URL, sites) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func looksNonProduct(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if i := strings.Index(lower, "://"); i >= 0 {
		lower = lower[i+3:]
	}
	for _, m := range nonProductMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func onTargetSite(rawURL string, sites []string) bool {
	if len(sites) == 0 {
		return true
	}
	host := monitor.Hostname(rawURL)
	if host == "" {
		return false
	}
	for _, site := range sites {
		if host == site || strings.HasSuffix(host, "."+site) {
			return true
		}
	}
	return false
}
