// Package urltools derives libav muxer names from output URLs.
package urltools

import (
	"net/url"
	"path/filepath"
	"slices"
	"strings"
)

// FormatName returns the muxer to use for the URL, or "" to let libav
// guess it.
func FormatName(u *url.URL) string {
	switch strings.ToLower(u.Scheme) {
	case "file", "":
		return FormatNameFromFileExtension(u.Path)
	case "rtmp", "rtmps":
		return "flv"
	case "srt", "udp", "tcp":
		return "mpegts"
	case "rtsp":
		return "rtsp"
	default:
		return ""
	}
}

func FormatNameFromFileExtension(path string) string {
	switch {
	case hasFileExtension(path, ".mp4", ".m4v", ".mov"):
		return "mp4"
	case hasFileExtension(path, ".mkv"):
		return "matroska"
	case hasFileExtension(path, ".flv"):
		return "flv"
	case hasFileExtension(path, ".ts", ".m2ts"):
		return "mpegts"
	case hasFileExtension(path, ".webm"):
		return "webm"
	default:
		return ""
	}
}

func hasFileExtension(path string, exts ...string) bool {
	return slices.Contains(exts, strings.ToLower(filepath.Ext(path)))
}
