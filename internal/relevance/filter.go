// Package relevance decides which search candidates are purchase pages for
// the monitored keyword. A local URL pre-filter runs first; the remainder is
// classified in batches by an OpenAI chat model. Classification failures fail
// open: the affected candidates pass through and the result is marked degraded.
package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// ErrNotConfigured is returned by Ping when no API key is set.
var ErrNotConfigured = fmt.Errorf("classification api key: %w", monitor.ErrNotConfigured)

// Config configures the classifier.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	BatchSize int
	Timeout   time.Duration
	CacheSize int
	// HTTPClient overrides the transport used by the OpenAI client.
	HTTPClient openai.HTTPDoer
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Filter implements monitor.RelevanceFilter.
type Filter struct {
	client    chatClient
	model     string
	batchSize int
	timeout   time.Duration
	cache     *lru.Cache[string, bool]
	logger    *zap.Logger
}

// New builds a Filter. Without an API key only the pre-filter runs and every
// result is marked degraded.
func New(cfg Config, logger *zap.Logger) (*Filter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, bool](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("relevance cache: %w", err)
	}
	f := &Filter{
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		cache:     cache,
		logger:    logger.Named("relevance"),
	}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		if cfg.HTTPClient != nil {
			clientCfg.HTTPClient = cfg.HTTPClient
		}
		f.client = openai.NewClientWithConfig(clientCfg)
	}
	return f, nil
}

// Enabled reports whether model classification is configured.
func (f *Filter) Enabled() bool {
	return f.client != nil
}

// Filter implements monitor.RelevanceFilter.
func (f *Filter) Filter(
	ctx context.Context,
	keyword string,
	sites []string,
	candidates []monitor.Candidate,
) monitor.FilterResult {
	kept := Prefilter(sites, candidates)
	if len(kept) == 0 {
		return monitor.FilterResult{Candidates: kept}
	}
	if f.client == nil {
		metrics.ObserveDegradedFiltering()
		f.logger.Debug("classifier disabled, passing candidates through", zap.Int("count", len(kept)))
		return monitor.FilterResult{Candidates: kept, Degraded: true}
	}

	var (
		result   = monitor.FilterResult{Candidates: make([]monitor.Candidate, 0, len(kept))}
		pending  []monitor.Candidate
		decision = make(map[string]bool, len(kept))
	)
	for _, c := range kept {
		if ok, hit := f.cache.Get(cacheKey(keyword, c.URL)); hit {
			decision[c.URL] = ok
			continue
		}
		pending = append(pending, c)
	}

	for start := 0; start < len(pending); start += f.batchSize {
		end := min(start+f.batchSize, len(pending))
		batch := pending[start:end]
		answers, err := f.classify(ctx, keyword, batch)
		if err != nil {
			result.Degraded = true
			f.logger.Warn("classification failed, passing batch through",
				zap.String("keyword", keyword),
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
			for _, c := range batch {
				decision[c.URL] = true
			}
			continue
		}
		for i, c := range batch {
			decision[c.URL] = answers[i]
			f.cache.Add(cacheKey(keyword, c.URL), answers[i])
		}
	}
	if result.Degraded {
		metrics.ObserveDegradedFiltering()
	}

	for _, c := range kept {
		if decision[c.URL] {
			result.Candidates = append(result.Candidates, c)
		}
	}
	return result
}

const systemPrompt = `You decide whether web pages are purchase pages for a product a shopper is tracking.
A page is relevant only when it is a product detail or purchase page (not a category,
search result, help page, or article) and the product clearly matches the keyword by
name, brand, or model. Reply with only a JSON array of booleans, one per numbered page,
in order. Example for three pages: [true,false,true]`

func (f *Filter) classify(ctx context.Context, keyword string, batch []monitor.Candidate) ([]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var user strings.Builder
	fmt.Fprintf(&user, "Keyword: %s\n", keyword)
	for i, c := range batch {
		fmt.Fprintf(&user, "%d. URL: %s\n   Title: %s\n", i+1, c.URL, c.Title)
		if snippet := strings.TrimSpace(c.Snippet); snippet != "" {
			fmt.Fprintf(&user, "   Snippet: %s\n", snippet)
		}
	}

	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: f.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		MaxTokens: 8 * len(batch),
	})
	if err != nil {
		return nil, errors.Join(monitor.ErrClassificationUnavailable, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", monitor.ErrClassificationUnavailable)
	}
	answers, err := parseAnswers(resp.Choices[0].Message.Content, len(batch))
	if err != nil {
		return nil, errors.Join(monitor.ErrClassificationUnavailable, err)
	}
	return answers, nil
}

// parseAnswers extracts a JSON boolean array of exactly n entries from the
// model reply, tolerating surrounding prose or code fences.
func parseAnswers(content string, n int) ([]bool, error) {
	open := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if open < 0 || end < open {
		return nil, fmt.Errorf("malformed answer %q", truncate(content, 80))
	}
	var answers []bool
	if err := json.Unmarshal([]byte(content[open:end+1]), &answers); err != nil {
		return nil, fmt.Errorf("decode answer %q: %w", truncate(content, 80), err)
	}
	if len(answers) != n {
		return nil, fmt.Errorf("expected %d answers, got %d", n, len(answers))
	}
	return answers, nil
}

// Ping checks that the classification API answers with the configured key.
func (f *Filter) Ping(ctx context.Context) error {
	if f.client == nil {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if _, err := f.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func cacheKey(keyword, rawURL string) string {
	return strings.ToLower(strings.TrimSpace(keyword)) + "\x00" + monitor.NormalizeURL(rawURL)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
