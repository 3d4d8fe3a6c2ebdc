package urltools

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatName(t *testing.T) {
	for rawURL, expected := range map[string]string{
		"rtmp://host/app/key":    "flv",
		"RTMPS://host/app/key":   "flv",
		"srt://host:9000":        "mpegts",
		"rtsp://cam/stream":      "rtsp",
		"/tmp/out.MP4":           "mp4",
		"file:///tmp/out.mkv":    "matroska",
		"out.ts":                 "mpegts",
		"/tmp/out":               "",
		"https://cdn/upload.flv": "",
	} {
		u, err := url.Parse(rawURL)
		require.NoError(t, err)
		require.Equal(t, expected, FormatName(u), rawURL)
	}
}
