package proxy

import (
	"strings"
)

const maxFilenameLen = 128

// SanitizeFilename makes a client-suggested filename safe for use in a
// Content-Disposition header or as a local artifact name: non-ASCII and
// control characters, path separators and Windows-reserved characters are
// stripped, the result is length-capped, and an empty result falls back to a
// default name.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			continue
		}
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	// Path traversal names collapse to dots once separators are stripped.
	out = strings.Trim(out, ".")
	if len(out) > maxFilenameLen {
		ext := ""
		if idx := strings.LastIndexByte(out, '.'); idx > 0 && len(out)-idx <= 8 {
			ext = out[idx:]
		}
		out = out[:maxFilenameLen-len(ext)] + ext
	}
	if out == "" {
		return "video.mp4"
	}
	return out
}
