package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		url      string
		expected Platform
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube},
		{"https://youtu.be/dQw4w9WgXcQ", PlatformYouTube},
		{"https://www.tiktok.com/@user/video/123", PlatformTikTok},
		{"https://vt.tiktok.com/ZSabc/", PlatformTikTok},
		{"https://www.instagram.com/reel/abc/", PlatformInstagram},
		{"https://www.facebook.com/watch?v=123", PlatformFacebook},
		{"https://fb.watch/abc/", PlatformFacebook},
		{"https://www.bilibili.com/video/BV1xx", PlatformBilibili},
		{"https://www.bilibili.tv/en/video/123", PlatformBilibiliTV},
		{"https://www.snackvideo.com/@user/video/123", PlatformSnackVideo},
		{"https://twitter.com/user/status/123", PlatformTwitter},
		{"https://x.com/user/status/123", PlatformTwitter},
		{"https://t.co/abc", PlatformTwitter},
		{"https://cdn.example.com/stream/master.m3u8", PlatformHLS},
		{"https://cdn.example.com/stream/index.M3U8?token=x", PlatformHLS},
		{"https://example.com/video.mp4", PlatformGeneric},
		{"not a url at all", PlatformGeneric},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, Detect(test.url), "Detect(%q)", test.url)
	}
}

func TestDetect_CaseInsensitive(t *testing.T) {
	assert.Equal(t, PlatformYouTube, Detect("HTTPS://WWW.YOUTUBE.COM/watch?v=abc"))
}

func TestDetect_BilibiliTVBeforeBilibili(t *testing.T) {
	// The .tv domain must not fall through to the mainland platform.
	assert.Equal(t, PlatformBilibiliTV, Detect("https://www.bilibili.tv/en/video/2048"))
	assert.Equal(t, PlatformBilibili, Detect("https://www.bilibili.com/video/BV1"))
}
