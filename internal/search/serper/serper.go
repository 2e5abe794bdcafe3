// Package serper implements monitor.Searcher on top of the Serper Google
// search API, issuing one site-scoped query per target site.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// DefaultEndpoint is the Serper web search endpoint.
const DefaultEndpoint = "https://google.serper.dev/search"

// Config configures the client.
type Config struct {
	Endpoint       string
	APIKey         string
	Country        string
	Language       string
	MaxPerSite     int
	Timeout        time.Duration
	MaxConcurrency int
}

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = fmt.Errorf("serper api key: %w", monitor.ErrNotConfigured)

// Searcher queries Serper once per site and merges the organic results.
type Searcher struct {
	cfg    Config
	client *http.Client
	clock  monitor.Clock
	logger *zap.Logger
}

type searchRequest struct {
	Query    string `json:"q"`
	Country  string `json:"gl,omitempty"`
	Language string `json:"hl,omitempty"`
	Num      int    `json:"num"`
}

type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// New builds a Searcher. client may be nil.
func New(cfg Config, client *http.Client, clk monitor.Clock, logger *zap.Logger) *Searcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxPerSite <= 0 {
		cfg.MaxPerSite = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{cfg: cfg, client: client, clock: clk, logger: logger.Named("serper")}
}

// Search implements monitor.Searcher. Per-site failures are reported in
// FailedSites; an error is returned only when every site failed.
func (s *Searcher) Search(ctx context.Context, keyword string, sites []string) (monitor.SearchResult, error) {
	keyword = strings.TrimSpace(keyword)
	sites = monitor.NormalizeSites(sites)
	if keyword == "" || len(sites) == 0 {
		return monitor.SearchResult{}, fmt.Errorf("search: %w", monitor.ErrInvalidTask)
	}

	perSite := make([][]monitor.Candidate, len(sites))
	siteErrs := make([]error, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, site := range sites {
		g.Go(func() error {
			found, err := s.searchSite(gctx, keyword, site)
			if err != nil {
				siteErrs[i] = &monitor.SearchUnavailableError{Site: site, Err: err}
				return nil
			}
			perSite[i] = found
			return nil
		})
	}
	_ = g.Wait() // site errors are collected, never returned by the goroutines

	var (
		result monitor.SearchResult
		errs   []error
		seen   = make(map[string]struct{})
	)
	for i, site := range sites {
		if siteErrs[i] != nil {
			result.FailedSites = append(result.FailedSites, site)
			errs = append(errs, siteErrs[i])
			metrics.ObserveSearchFailure(site)
			s.logger.Warn("site search failed", zap.String("site", site), zap.Error(siteErrs[i]))
			continue
		}
		for _, c := range perSite[i] {
			key := monitor.NormalizeURL(c.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result.Candidates = append(result.Candidates, c)
		}
	}
	if len(errs) == len(sites) {
		return result, errors.Join(errs...)
	}
	return result, nil
}

func (s *Searcher) searchSite(ctx context.Context, keyword, site string) ([]monitor.Candidate, error) {
	if s.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(searchRequest{
		Query:    fmt.Sprintf("%s site:%s", keyword, site),
		Country:  s.cfg.Country,
		Language: s.cfg.Language,
		Num:      s.cfg.MaxPerSite * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body drained below

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("serper status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}

	now := s.clock.Now()
	out := make([]monitor.Candidate, 0, s.cfg.MaxPerSite)
	seen := make(map[string]struct{}, len(decoded.Organic))
	for _, item := range decoded.Organic {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		key := monitor.NormalizeURL(link)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, monitor.Candidate{
			URL:          link,
			Title:        strings.TrimSpace(item.Title),
			Snippet:      strings.TrimSpace(item.Snippet),
			SourceSite:   site,
			DiscoveredAt: now,
		})
		if len(out) == s.cfg.MaxPerSite {
			break
		}
	}
	return out, nil
}

// Ping checks that an API key is configured and the endpoint answers. It
// sends a HEAD request instead of a search query.
func (s *Searcher) Ping(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build ping: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("serper ping: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("serper ping: status %d", resp.StatusCode)
	}
	return nil
}
