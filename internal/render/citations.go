package render

import (
	"net/url"
	"strings"

	"github.com/insightengine/orchestrator/internal/research"
)

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid",
	"ref", "source",
}

// NormalizeURL cleans a URL for deduplication
// - Lowercases scheme and host, drops a leading "www."
// - Removes the fragment and tracking query parameters
// - Removes a trailing slash from the path
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range trackingParams {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// citationKey prefers a DOI so the same paper on different hosts collapses.
func citationKey(c research.Citation) string {
	if parsed, err := url.Parse(c.URL); err == nil {
		if doi := doiFromURL(parsed); doi != "" {
			return "doi:" + strings.ToLower(doi)
		}
	}
	if norm, err := NormalizeURL(c.URL); err == nil && norm != "" {
		return norm
	}
	return c.URL
}

func doiFromURL(u *url.URL) string {
	host := strings.ToLower(u.Host)
	if host == "doi.org" || host == "dx.doi.org" {
		return strings.TrimPrefix(u.Path, "/")
	}
	if i := strings.Index(u.Path, "/10."); i >= 0 && strings.Contains(u.Path[i+1:], "/") {
		return u.Path[i+1:]
	}
	return ""
}

// DedupeCitations keeps the first occurrence of every source, in order.
// Citations without a URL are dropped. A later duplicate only fills in a
// missing title.
func DedupeCitations(citations []research.Citation) []research.Citation {
	index := make(map[string]int)
	out := []research.Citation{}
	for _, c := range citations {
		if strings.TrimSpace(c.URL) == "" {
			continue
		}
		key := citationKey(c)
		if i, ok := index[key]; ok {
			if out[i].Title == "" {
				out[i].Title = c.Title
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}
