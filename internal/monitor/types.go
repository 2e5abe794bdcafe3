package monitor

import (
	"net/url"
	"strings"
	"time"
)

// Availability is the tri-state stock conclusion for a product page.
type Availability string

// Availability values persisted with each verdict.
const (
	Available   Availability = "available"
	Unavailable Availability = "unavailable"
	Unknown     Availability = "unknown"
)

// Valid reports whether a is one of the known availability states.
func (a Availability) Valid() bool {
	switch a {
	case Available, Unavailable, Unknown:
		return true
	default:
		return false
	}
}

// Task is a user-defined monitoring configuration.
type Task struct {
	ID                string     `json:"id"`
	Keyword           string     `json:"keyword"`
	TargetSites       []string   `json:"target_sites"`
	NotificationEmail string     `json:"notification_email,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
}

// HasEmail reports whether notifications should be delivered for the task.
func (t Task) HasEmail() bool {
	return strings.TrimSpace(t.NotificationEmail) != ""
}

// Candidate is a product page discovered by a search run.
type Candidate struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Snippet      string    `json:"snippet,omitempty"`
	SourceSite   string    `json:"source_site"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Verdict is the last known availability of a URL for a task.
type Verdict struct {
	URL          string       `json:"url"`
	Title        string       `json:"title,omitempty"`
	Availability Availability `json:"availability"`
	Price        *float64     `json:"price,omitempty"`
	Detector     string       `json:"detector,omitempty"`
	RawSignal    string       `json:"raw_signal,omitempty"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// Change describes a verdict transition that triggered a notification.
type Change struct {
	TaskID   string       `json:"task_id"`
	URL      string       `json:"url"`
	Title    string       `json:"title"`
	Previous Availability `json:"previous"`
	Current  Availability `json:"current"`
	Notified bool         `json:"notified"`
}

// ChangeEvent is the payload published for every verdict transition.
type ChangeEvent struct {
	TaskID    string       `json:"task_id"`
	Keyword   string       `json:"keyword"`
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Previous  Availability `json:"previous"`
	Current   Availability `json:"current"`
	Price     *float64     `json:"price,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// SearchResult is the searcher output, including sites that failed.
type SearchResult struct {
	Candidates  []Candidate `json:"candidates"`
	FailedSites []string    `json:"failed_sites,omitempty"`
}

// FilterResult is the relevance filter output.
type FilterResult struct {
	Candidates []Candidate `json:"candidates"`
	Degraded   bool        `json:"degraded"`
}

// RunResult summarizes one pipeline execution for a task.
type RunResult struct {
	TaskID            string      `json:"task_id"`
	Keyword           string      `json:"keyword"`
	Searched          int         `json:"searched"`
	Candidates        []Candidate `json:"candidates"`
	Verdicts          []Verdict   `json:"verdicts"`
	Changes           []Change    `json:"changes"`
	FailedSites       []string    `json:"failed_sites,omitempty"`
	DegradedFiltering bool        `json:"degraded_filtering"`
	Warnings          []string    `json:"warnings,omitempty"`
	Summary           string      `json:"summary"`
	StartedAt         time.Time   `json:"started_at"`
	FinishedAt        time.Time   `json:"finished_at"`
}

// AvailableCount returns how many verdicts concluded the product is in stock.
func (r RunResult) AvailableCount() int {
	n := 0
	for _, v := range r.Verdicts {
		if v.Availability == Available {
			n++
		}
	}
	return n
}

// NormalizeSites lower-cases, trims, and deduplicates site identifiers while
// preserving their original order.
func NormalizeSites(sites []string) []string {
	seen := make(map[string]struct{}, len(sites))
	out := make([]string, 0, len(sites))
	for _, s := range sites {
		site := strings.ToLower(strings.TrimSpace(s))
		site = strings.TrimPrefix(site, "https://")
		site = strings.TrimPrefix(site, "http://")
		site = strings.TrimPrefix(site, "www.")
		site = strings.TrimSuffix(site, "/")
		if site == "" {
			continue
		}
		if _, ok := seen[site]; ok {
			continue
		}
		seen[site] = struct{}{}
		out = append(out, site)
	}
	return out
}

// NormalizeURL canonicalizes a product URL for deduplication and keying:
// lower-case host, no fragment, no trailing slash.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Hostname returns the lower-case host of rawURL or "" when it cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
