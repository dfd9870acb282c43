package media

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Subtitle formats stored on disk. SRT is converted to VTT on upload;
// SSA is treated as ASS.
const (
	FormatVTT = "vtt"
	FormatASS = "ass"
)

var subtitleExts = map[string]string{
	".srt": FormatVTT,
	".vtt": FormatVTT,
	".ass": FormatASS,
	".ssa": FormatASS,
}

// SubtitleFormat maps a filename to its stored format, or an error for
// unsupported extensions.
func SubtitleFormat(name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	format, ok := subtitleExts[ext]
	if !ok {
		return "", fmt.Errorf("unsupported subtitle extension %q", ext)
	}
	return format, nil
}

// NeedsVTTConversion reports whether the upload must be converted before
// storage.
func NeedsVTTConversion(name string) bool {
	return strings.ToLower(filepath.Ext(name)) == ".srt"
}

// srtTimestamp matches "HH:MM:SS,mmm --> HH:MM:SS,mmm" cue lines.
var srtTimestamp = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}),(\d{3})`)

// ConvertSRTToVTT performs the minimal SRT→WebVTT rewrite: prepend the
// WEBVTT header and switch cue timestamps from comma to dot milliseconds.
// Cue index lines are legal in VTT and kept as-is.
func ConvertSRTToVTT(src []byte) []byte {
	body := strings.ReplaceAll(string(src), "\r\n", "\n")
	body = strings.TrimPrefix(body, "\ufeff")
	body = srtTimestamp.ReplaceAllString(body, "$1.$2")
	return []byte("WEBVTT\n\n" + strings.TrimLeft(body, "\n"))
}

// SubtitleContentType returns the Content-Type served for a stored format.
func SubtitleContentType(format string) string {
	if format == FormatASS {
		return "text/x-ssa; charset=utf-8"
	}
	return "text/vtt; charset=utf-8"
}
