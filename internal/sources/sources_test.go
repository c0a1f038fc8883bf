package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSearcher struct {
	results []Result
	err     error
	queries []string
}

func (s *stubSearcher) Name() string { return "stub" }

func (s *stubSearcher) Search(_ context.Context, query string, max int) ([]Result, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

type stubExtractor map[string]string

func (s stubExtractor) Extract(_ context.Context, pageURL string) (string, error) {
	text, ok := s[pageURL]
	if !ok {
		return "", errors.New("fetch failed")
	}
	return text, nil
}

func TestWebCollectorBuildsExcerpts(t *testing.T) {
	searcher := &stubSearcher{results: []Result{
		{Title: "One", URL: "https://a.example/1", Snippet: "first"},
		{Title: "Two", URL: "https://b.example/2", Snippet: "second"},
		{Title: "Three", URL: "https://c.example/3", Snippet: "third"},
		{Title: "Four", URL: "https://d.example/4", Snippet: "fourth"},
	}}
	long := strings.Repeat("x", 800)
	extractor := stubExtractor{
		"https://a.example/1": "page one text",
		"https://c.example/3": long,
	}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewWebCollector(searcher, zap.NewNop(), WithExtractor(extractor), WithRateLimit(0))
	c.now = func() time.Time { return fixed }

	got, err := c.FetchSources(context.Background(), "quantum batteries Background", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, []string{"quantum batteries Background"}, searcher.queries)
	assert.Equal(t, "first ...page one text", got[0].Excerpt)
	// extraction failure keeps the snippet alone
	assert.Equal(t, "second", got[1].Excerpt)
	assert.Equal(t, "third ..."+strings.Repeat("x", MaxExcerptText), got[2].Excerpt)
	for _, c := range got {
		assert.Equal(t, fixed, c.AccessedAt)
	}
}

func TestWebCollectorEmptyResultsAreNotAnError(t *testing.T) {
	c := NewWebCollector(&stubSearcher{}, zap.NewNop(), WithRateLimit(0))
	got, err := c.FetchSources(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWebCollectorSearchFailure(t *testing.T) {
	c := NewWebCollector(&stubSearcher{err: errors.New("boom")}, zap.NewNop(), WithRateLimit(0))
	_, err := c.FetchSources(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestWebCollectorRespectsCancellation(t *testing.T) {
	searcher := &stubSearcher{}
	c := NewWebCollector(searcher, zap.NewNop(), WithRateLimit(0.001))
	// drain the single token
	_, err := c.FetchSources(context.Background(), "q", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.FetchSources(ctx, "q", 1)
	assert.Error(t, err)
	assert.Len(t, searcher.queries, 1)
}

const ddgPage = `<html><body>
<div class="results">
  <div class="result results_links web-result">
    <div class="links_main links_deep result__body">
      <h2 class="result__title"><a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.org%2Fpaper%3Fid%3D7&amp;rut=abc">Example <b>Paper</b></a></h2>
      <a class="result__snippet" href="#">A study of   quantum batteries.</a>
    </div>
  </div>
  <div class="result">
    <div class="result__body">
      <h2><a class="result__a" href="https://direct.example/x">No snippet</a></h2>
    </div>
  </div>
  <div class="result">
    <div class="result__body">
      <h2><a class="result__a" href="plain.example/y">Plain</a></h2>
      <a class="result__snippet">Second snippet</a>
    </div>
  </div>
</div>
</body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "climate policy", r.URL.Query().Get("q"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	d := &DuckDuckGo{Client: srv.Client(), Endpoint: srv.URL + "/html/"}
	got, err := d.Search(context.Background(), "climate policy", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Result{Title: "Example Paper", URL: "https://example.org/paper?id=7", Snippet: "A study of quantum batteries."}, got[0])
	assert.Equal(t, "https://plain.example/y", got[1].URL)

	got, err = d.Search(context.Background(), "climate policy", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDuckDuckGoNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := &DuckDuckGo{Client: srv.Client(), Endpoint: srv.URL}
	_, err := d.Search(context.Background(), "q", 3)
	assert.Error(t, err)
}

func TestUnwrapDuckDuckGoURL(t *testing.T) {
	tests := map[string]string{
		"//duckduckgo.com/l/?uddg=https%3A%2F%2Fa.example%2Fp&rut=1": "https://a.example/p",
		"//duckduckgo.com/l/?uddg=a.example%2Fp":                     "https://a.example/p",
		"https://b.example/q":                                         "https://b.example/q",
		"c.example":                                                   "https://c.example",
		"":                                                            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, UnwrapDuckDuckGoURL(in), in)
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"web":{"results":[
			{"title":"A","url":"https://a.example","description":"about <strong>A</strong>"},
			{"title":"B","url":"https://b.example","description":"about B"},
			{"title":"C","url":"https://c.example","description":"about C"}]}}`)
	}))
	defer srv.Close()

	b := &Brave{Client: srv.Client(), APIKey: "key-1", Endpoint: srv.URL}
	got, err := b.Search(context.Background(), "q", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Result{Title: "A", URL: "https://a.example", Snippet: "about A"}, got[0])
}

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-2", r.Header.Get("X-API-KEY"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"organic":[{"title":"S","link":"https://s.example","snippet":"snip"}]}`)
	}))
	defer srv.Close()

	s := &Serper{Client: srv.Client(), APIKey: "key-2", Endpoint: srv.URL}
	got, err := s.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Equal(t, []Result{{Title: "S", URL: "https://s.example", Snippet: "snip"}}, got)
}

func TestSerperServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := &Serper{Client: srv.Client(), APIKey: "k", Endpoint: srv.URL}
	_, err := s.Search(context.Background(), "q", 3)
	assert.Error(t, err)
}

func TestNewSearcher(t *testing.T) {
	s, err := NewSearcher(SearchConfig{}, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, ProviderDuckDuckGo, s.Name())

	_, err = NewSearcher(SearchConfig{Provider: "brave"}, http.DefaultClient)
	assert.Error(t, err)

	s, err = NewSearcher(SearchConfig{Provider: "Serper", APIKey: "k"}, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, ProviderSerper, s.Name())

	_, err = NewSearcher(SearchConfig{Provider: "altavista"}, http.DefaultClient)
	assert.Error(t, err)
}

const articlePage = `<!DOCTYPE html><html><head><title>Solid state batteries</title></head><body>
<nav><a href="/">Home</a> <a href="/about">About</a></nav>
<article>
<h1>Solid state batteries</h1>
<p>Solid state batteries replace the liquid electrolyte with a solid one. This change promises higher energy density and improved safety for electric vehicles and grid storage.</p>
<p>Researchers have reported ceramic and polymer electrolytes with ionic conductivity approaching that of liquids, although interface resistance remains a significant obstacle to commercial production.</p>
<p>Manufacturing at scale is the other open problem. Thin ceramic layers are brittle, and lithium metal anodes can still grow dendrites under fast charging conditions.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func TestReadabilityExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	e := &ReadabilityExtractor{Client: srv.Client()}
	text, err := e.Extract(context.Background(), srv.URL+"/article")
	require.NoError(t, err)
	assert.Contains(t, text, "liquid electrolyte with a solid one")
	assert.NotContains(t, text, "  ")

	short := &ReadabilityExtractor{Client: srv.Client(), MaxChars: 40}
	text, err = short.Extract(context.Background(), srv.URL+"/article")
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(text), 40)
}

func TestReadabilityExtractorRejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer srv.Close()

	e := &ReadabilityExtractor{Client: srv.Client()}
	_, err := e.Extract(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestReadabilityExtractorNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := &ReadabilityExtractor{Client: srv.Client()}
	_, err := e.Extract(context.Background(), srv.URL)
	assert.Error(t, err)
}
