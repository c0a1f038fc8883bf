package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Provider names accepted by NewSearcher.
const (
	ProviderDuckDuckGo = "duckduckgo"
	ProviderBrave      = "brave"
	ProviderSerper     = "serper"
)

// SearchConfig selects and configures the search backend.
type SearchConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	// Endpoint overrides the provider's default URL.
	Endpoint string `mapstructure:"endpoint"`
}

// NewSearcher builds the configured searcher.
func NewSearcher(cfg SearchConfig, client Doer) (Searcher, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderDuckDuckGo:
		return &DuckDuckGo{Client: client, Endpoint: cfg.Endpoint}, nil
	case ProviderBrave:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("brave search requires an api key")
		}
		return &Brave{Client: client, APIKey: cfg.APIKey, Endpoint: cfg.Endpoint}, nil
	case ProviderSerper:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("serper search requires an api key")
		}
		return &Serper{Client: client, APIKey: cfg.APIKey, Endpoint: cfg.Endpoint}, nil
	}
	return nil, fmt.Errorf("unknown search provider %q", cfg.Provider)
}

// Brave queries the Brave web search API.
type Brave struct {
	Client   Doer
	APIKey   string
	Endpoint string
}

func (b *Brave) Name() string { return ProviderBrave }

func (b *Brave) Search(ctx context.Context, query string, max int) ([]Result, error) {
	endpoint := b.Endpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	q := url.Values{"q": {query}, "count": {strconv.Itoa(max)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := doJSON(b.Client, req, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Web.Results))
	for _, r := range raw.Web.Results {
		if len(out) >= max {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return out, nil
}

// Serper queries the serper.dev Google search API.
type Serper struct {
	Client   Doer
	APIKey   string
	Endpoint string
}

func (s *Serper) Name() string { return ProviderSerper }

func (s *Serper) Search(ctx context.Context, query string, max int) ([]Result, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = "https://google.serper.dev/search"
	}
	body, err := json.Marshal(map[string]interface{}{"q": query, "num": max})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := doJSON(s.Client, req, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Organic))
	for _, r := range raw.Organic {
		if len(out) >= max {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

// DuckDuckGo scrapes the HTML endpoint of DuckDuckGo. It needs no key.
type DuckDuckGo struct {
	Client   Doer
	Endpoint string
}

func (d *DuckDuckGo) Name() string { return ProviderDuckDuckGo }

func (d *DuckDuckGo) Search(ctx context.Context, query string, max int) ([]Result, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = "https://html.duckduckgo.com/html/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+url.Values{"q": {query}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %s", resp.Status)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse duckduckgo results: %w", err)
	}
	return parseDuckDuckGo(doc, max), nil
}

// parseDuckDuckGo walks result__body blocks, keeping those that have both a
// title link and a snippet.
func parseDuckDuckGo(doc *html.Node, max int) []Result {
	out := []Result{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(out) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result__body") {
			title := findElement(n, "a", "result__a")
			snippet := findElement(n, "a", "result__snippet")
			if title != nil && snippet != nil {
				out = append(out, Result{
					Title:   nodeText(title),
					URL:     UnwrapDuckDuckGoURL(attr(title, "href")),
					Snippet: nodeText(snippet),
				})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// UnwrapDuckDuckGoURL resolves //duckduckgo.com/l/?uddg=<target> redirects to
// the target and makes sure the result has a scheme.
func UnwrapDuckDuckGoURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	if u, err := url.Parse(raw); err == nil {
		if target := u.Query().Get("uddg"); target != "" {
			raw = target
		}
	}
	if raw != "" && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return raw
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findElement(n *html.Node, tag, class string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag && hasClass(c, class) {
			return c
		}
		if found := findElement(c, tag, class); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// stripTags removes inline markup some APIs leave in snippets.
func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	nodes, err := html.ParseFragment(strings.NewReader(s), &html.Node{Type: html.ElementNode, Data: "body"})
	if err != nil {
		return s
	}
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(nodeText(n))
		b.WriteString(" ")
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func doJSON(client Doer, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", req.URL.Host, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Host, err)
	}
	return nil
}
