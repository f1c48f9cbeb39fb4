package resolve

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// GenericResolver handles plain media URLs: it probes the origin and offers
// the URL itself as the single "best" rendition.
type GenericResolver struct {
	Client  *http.Client
	Headers map[string]string
}

func NewGenericResolver(client *http.Client, headers map[string]string) *GenericResolver {
	return &GenericResolver{Client: client, Headers: headers}
}

func (r *GenericResolver) Resolve(ctx context.Context, sourceURL string) (*Result, error) {
	resp, err := r.probe(ctx, http.MethodHead, sourceURL)
	if err != nil || resp.StatusCode == http.StatusMethodNotAllowed {
		// Some origins reject HEAD; retry with GET and discard the body.
		if resp != nil {
			resp.Body.Close()
		}
		resp, err = r.probe(ctx, http.MethodGet, sourceURL)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("origin returned status %d", resp.StatusCode)
	}

	return &Result{
		Title: titleFromURL(sourceURL),
		Renditions: []Rendition{{
			FormatID:   "best",
			Container:  containerFor(resp.Header.Get("Content-Type"), sourceURL),
			ApproxSize: resp.ContentLength,
			DirectURL:  sourceURL,
		}},
	}, nil
}

func (r *GenericResolver) probe(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return r.Client.Do(req)
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Host
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func containerFor(contentType, rawURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if idx := strings.IndexByte(mediaType, '/'); idx >= 0 && mediaType[idx+1:] != "octet-stream" {
			return mediaType[idx+1:]
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			return strings.TrimPrefix(ext, ".")
		}
	}
	return "mp4"
}
