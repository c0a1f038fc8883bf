package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Uploader publishes a rendered report and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPUploader PUTs reports under BaseURL, e.g. a pre-authorised bucket
// prefix or a WebDAV collection.
type HTTPUploader struct {
	Client  Doer
	BaseURL string
	// PublicURL, when set, replaces BaseURL in the returned link.
	PublicURL string
	Token     string
}

func (h *HTTPUploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	target, err := url.JoinPath(h.BaseURL, name)
	if err != nil {
		return "", fmt.Errorf("build upload url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "text/markdown; charset=utf-8")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload %s: %s", name, resp.Status)
	}

	if h.PublicURL != "" {
		return url.JoinPath(strings.TrimRight(h.PublicURL, "/"), name)
	}
	return target, nil
}
