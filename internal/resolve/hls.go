package resolve

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/grafov/m3u8"
)

// HLSResolver resolves .m3u8 playlists. Each variant of a master playlist
// becomes its own rendition; a media playlist is offered as a single one.
type HLSResolver struct {
	Client  *http.Client
	Headers map[string]string
}

func NewHLSResolver(client *http.Client, headers map[string]string) *HLSResolver {
	return &HLSResolver{Client: client, Headers: headers}
}

func (r *HLSResolver) Resolve(ctx context.Context, sourceURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("playlist fetch returned status %d", resp.StatusCode)
	}

	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, err
	}

	pl, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("parse playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		if len(master.Variants) == 0 {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		renditions := make([]Rendition, 0, len(master.Variants))
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			renditions = append(renditions, Rendition{
				FormatID:   fmt.Sprintf("hls-%d", v.Bandwidth),
				Container:  "ts",
				Resolution: v.Resolution,
				Bitrate:    int64(v.Bandwidth),
				DirectURL:  resolveRef(base, v.URI),
			})
		}
		sort.Slice(renditions, func(i, j int) bool {
			return renditions[i].Bitrate > renditions[j].Bitrate
		})
		return &Result{Title: titleFromURL(sourceURL), Renditions: renditions}, nil

	case m3u8.MEDIA:
		return &Result{
			Title: titleFromURL(sourceURL),
			Renditions: []Rendition{{
				FormatID:  "hls-media",
				Container: "ts",
				DirectURL: sourceURL,
			}},
		}, nil

	default:
		return nil, fmt.Errorf("unknown playlist type")
	}
}

func resolveRef(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}
