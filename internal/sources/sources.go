// Package sources gathers citations for a section: it searches the web for a
// query, then pulls readable text out of each result page.
package sources

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/tracing"
	"github.com/insightengine/orchestrator/internal/util"
)

const (
	// MaxPageText caps the extracted text kept per page.
	MaxPageText = 3000
	// MaxExcerptText caps the page text appended to a search snippet.
	MaxExcerptText = 500

	userAgent = "Mozilla/5.0 (compatible; research-orchestrator/1.0)"
)

// Collector returns up to max citations for a query. An empty result is not
// an error.
type Collector interface {
	FetchSources(ctx context.Context, query string, max int) ([]research.Citation, error)
}

// Doer sends HTTP requests. *http.Client and the circuit breaker wrapper both
// satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher runs a web search.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, max int) ([]Result, error)
}

// Extractor returns the readable text of a page.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

// WebCollector combines a Searcher with an optional Extractor.
type WebCollector struct {
	searcher  Searcher
	extractor Extractor
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a WebCollector.
type Option func(*WebCollector)

// WithExtractor enables page extraction.
func WithExtractor(e Extractor) Option {
	return func(c *WebCollector) { c.extractor = e }
}

// WithRateLimit bounds outgoing requests per second. Zero or less disables
// limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *WebCollector) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewWebCollector returns a collector limited to one request per second
// unless configured otherwise.
func NewWebCollector(searcher Searcher, logger *zap.Logger, opts ...Option) *WebCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &WebCollector{
		searcher: searcher,
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WebCollector) FetchSources(ctx context.Context, query string, max int) (citations []research.Citation, err error) {
	if max <= 0 {
		return []research.Citation{}, nil
	}
	ctx, span := tracing.StartSpan(ctx, "sources.fetch",
		attribute.String("sources.provider", c.searcher.Name()),
		attribute.Int("sources.max", max))
	defer func() { tracing.End(span, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	results, err := c.searcher.Search(ctx, query, max)
	metrics.SourceSearches.WithLabelValues(c.searcher.Name(), metrics.StatusLabel(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if len(results) > max {
		results = results[:max]
	}

	citations = make([]research.Citation, 0, len(results))
	for _, r := range results {
		excerpt := r.Snippet
		if text := c.pageText(ctx, r.URL); text != "" {
			excerpt = r.Snippet + " ..." + util.TruncateRunes(text, MaxExcerptText)
		}
		citations = append(citations, research.Citation{
			Title:      r.Title,
			URL:        r.URL,
			Excerpt:    excerpt,
			AccessedAt: c.now().UTC(),
		})
	}
	return citations, nil
}

// pageText extracts the page; failures only cost the excerpt.
func (c *WebCollector) pageText(ctx context.Context, pageURL string) string {
	if c.extractor == nil || pageURL == "" {
		return ""
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ""
	}
	text, err := c.extractor.Extract(ctx, pageURL)
	metrics.SourceExtractions.WithLabelValues(metrics.StatusLabel(err)).Inc()
	if err != nil {
		c.logger.Debug("Page extraction failed",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return ""
	}
	return text
}
