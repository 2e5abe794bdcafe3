// Package detector turns a fetched product page into an availability conclusion.
//
// Detectors are selected per URL through a Registry keyed by domain pattern,
// with a generic fallback for sites that have no dedicated rules.
package detector

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// Detection is the outcome of applying a detector to a page.
type Detection struct {
	Availability monitor.Availability
	Title        string
	Price        *float64
	Signals      []string
}

// RawSignal renders the signals that drove the decision.
func (d Detection) RawSignal() string {
	return strings.Join(d.Signals, ",")
}

// Detector maps page content to a Detection. Implementations return a
// *monitor.ParseError when the page carries no usable signal.
type Detector interface {
	Name() string
	Detect(pageURL string, doc *goquery.Document) (Detection, error)
}

type rule struct {
	pattern  string
	detector Detector
}

// Registry selects a Detector for a URL by matching its host against
// registered domain patterns. The first matching pattern wins.
type Registry struct {
	mu       sync.RWMutex
	rules    []rule
	fallback Detector
}

// NewRegistry returns an empty registry that resolves every URL to fallback.
func NewRegistry(fallback Detector) *Registry {
	return &Registry{fallback: fallback}
}

// Default returns a registry with the built-in site rules and the generic fallback.
func Default() *Registry {
	r := NewRegistry(NewGeneric())
	r.Register("amazon", NewAmazon())
	r.Register("louisvuitton", NewLouisVuitton())
	r.Register("lv", NewLouisVuitton())
	r.Register("rakuten", NewRakuten())
	return r
}

// Register adds a detector for a domain pattern. A pattern without a dot
// matches any host label ("amazon" matches www.amazon.co.jp); a pattern with
// a dot matches the host or any of its subdomains.
func (r *Registry) Register(pattern string, d Detector) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" || d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{pattern: pattern, detector: d})
}

// Lookup returns the detector for rawURL, or the fallback.
func (r *Registry) Lookup(rawURL string) Detector {
	host := monitor.Hostname(rawURL)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if host != "" {
		for _, rl := range r.rules {
			if hostMatches(host, rl.pattern) {
				return rl.detector
			}
		}
	}
	return r.fallback
}

// Detect parses body and applies the detector registered for pageURL.
func (r *Registry) Detect(pageURL string, body []byte) (Detection, string, error) {
	d := r.Lookup(pageURL)
	if d == nil {
		return Detection{Availability: monitor.Unknown}, "", &monitor.ParseError{URL: pageURL, Reason: "no detector"}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Detection{Availability: monitor.Unknown}, d.Name(), &monitor.ParseError{URL: pageURL, Reason: "empty body"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Detection{Availability: monitor.Unknown}, d.Name(),
			&monitor.ParseError{URL: pageURL, Reason: fmt.Sprintf("parse html: %v", err)}
	}
	det, err := d.Detect(pageURL, doc)
	if err != nil {
		det.Availability = monitor.Unknown
	}
	return det, d.Name(), err
}

func hostMatches(host, pattern string) bool {
	if strings.Contains(pattern, ".") {
		return host == pattern || strings.HasSuffix(host, "."+pattern)
	}
	for _, label := range strings.Split(host, ".") {
		if label == pattern {
			return true
		}
	}
	return false
}
