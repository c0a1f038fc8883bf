package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/insightengine/orchestrator/internal/util"
)

const maxBodyBytes = 4 << 20

// ReadabilityExtractor downloads a page and keeps its main article text.
type ReadabilityExtractor struct {
	Client Doer
	// MaxChars caps the returned text; zero means MaxPageText.
	MaxChars int
}

func (r *ReadabilityExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", pageURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", u.Host, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", u.Host, ct)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), u)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", u.Host, err)
	}
	text := util.CollapseWhitespace(article.TextContent)
	if text == "" {
		return "", errors.New("page has no readable text")
	}
	limit := r.MaxChars
	if limit <= 0 {
		limit = MaxPageText
	}
	return util.TruncateRunes(text, limit), nil
}
