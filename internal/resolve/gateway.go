// Package resolve turns a source URL into the set of downloadable renditions
// the client can pick from. Platform-specific extraction lives behind the
// Resolver interface; this package ships a generic direct-URL resolver and an
// HLS playlist resolver, everything else is registered by the caller.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrResolution wraps every failure to produce renditions for a URL.
var ErrResolution = errors.New("resolution failed")

// Rendition is one selectable output variant. Exactly one of DirectURL and
// ExtractionHandle is set: a direct URL can be streamed as-is, a handle has
// to be opened through the platform's Fetcher when streaming begins.
type Rendition struct {
	FormatID         string `json:"format_id"`
	Container        string `json:"container,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	Bitrate          int64  `json:"bitrate,omitempty"`
	ApproxSize       int64  `json:"approx_size,omitempty"`
	DirectURL        string `json:"direct_url,omitempty"`
	ExtractionHandle string `json:"extraction_handle,omitempty"`
}

type Result struct {
	Title      string      `json:"title"`
	Thumbnail  string      `json:"thumbnail,omitempty"`
	Duration   string      `json:"duration,omitempty"`
	Renditions []Rendition `json:"renditions"`
}

// Resolver produces candidate renditions for a source URL.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (*Result, error)
}

// Fetcher is the optional capability of a resolver to open an extraction
// handle as a byte stream. Size is -1 when unknown in advance.
type Fetcher interface {
	Fetch(ctx context.Context, handle string) (io.ReadCloser, int64, error)
}

// Gateway routes resolution requests to the resolver registered for the
// detected platform, falling back to the generic resolver.
type Gateway struct {
	timeout   time.Duration
	resolvers map[Platform]Resolver
	fallback  Resolver
}

func NewGateway(timeout time.Duration, fallback Resolver) *Gateway {
	return &Gateway{
		timeout:   timeout,
		resolvers: make(map[Platform]Resolver),
		fallback:  fallback,
	}
}

func (g *Gateway) Register(p Platform, r Resolver) {
	g.resolvers[p] = r
}

// Resolve detects the platform and asks its resolver for renditions, bounded
// by the gateway timeout.
func (g *Gateway) Resolve(ctx context.Context, sourceURL string) (Platform, *Result, error) {
	platform := Detect(sourceURL)

	resolver, ok := g.resolvers[platform]
	if !ok {
		resolver = g.fallback
	}
	if resolver == nil {
		return platform, nil, fmt.Errorf("%w: no resolver for platform %q", ErrResolution, platform)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := resolver.Resolve(ctx, sourceURL)
	if err != nil {
		if errors.Is(err, ErrResolution) {
			return platform, nil, err
		}
		return platform, nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	if result == nil || len(result.Renditions) == 0 {
		return platform, nil, fmt.Errorf("%w: no renditions for %s", ErrResolution, sourceURL)
	}
	return platform, result, nil
}

// Fetcher returns the handle-opening capability of the platform's resolver,
// when it has one.
func (g *Gateway) Fetcher(p Platform) (Fetcher, bool) {
	r, ok := g.resolvers[p]
	if !ok {
		r = g.fallback
	}
	f, ok := r.(Fetcher)
	return f, ok
}
