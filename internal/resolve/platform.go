package resolve

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Platform identifies the source collaborator a URL belongs to. It is a
// closed set resolved through the pattern table below, so adding a platform
// means adding an entry here and registering a resolver for it.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformTikTok     Platform = "tiktok"
	PlatformInstagram  Platform = "instagram"
	PlatformFacebook   Platform = "facebook"
	PlatformBilibiliTV Platform = "bilibili_tv"
	PlatformBilibili   Platform = "bilibili"
	PlatformSnackVideo Platform = "snackvideo"
	PlatformTwitter    Platform = "twitter"
	PlatformHLS        Platform = "hls"
	PlatformGeneric    Platform = "generic"
)

// Order matters: more specific patterns first (bilibili.tv before bilibili.com).
var platformPatterns = []struct {
	platform Platform
	patterns []*regexp.Regexp
}{
	{PlatformYouTube, compileAll(`youtube\.com`, `youtu\.be`)},
	{PlatformTikTok, compileAll(`tiktok\.com`, `vt\.tiktok\.com`)},
	{PlatformInstagram, compileAll(`instagram\.com`)},
	{PlatformFacebook, compileAll(`facebook\.com`, `fb\.watch`)},
	{PlatformBilibiliTV, compileAll(`bilibili\.tv`)},
	{PlatformBilibili, compileAll(`bilibili\.com`)},
	{PlatformSnackVideo, compileAll(`snackvideo\.com`)},
	{PlatformTwitter, compileAll(`twitter\.com`, `//x\.com`, `//t\.co`)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		res = append(res, regexp.MustCompile(`(?i)`+e))
	}
	return res
}

// Detect maps a source URL to its platform. HLS playlists are recognized by
// extension; everything unknown falls back to the generic platform.
func Detect(rawURL string) Platform {
	for _, entry := range platformPatterns {
		for _, re := range entry.patterns {
			if re.MatchString(rawURL) {
				return entry.platform
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if strings.EqualFold(path.Ext(u.Path), ".m3u8") {
			return PlatformHLS
		}
	}
	return PlatformGeneric
}
