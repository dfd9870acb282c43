package media

import (
	"strings"
	"testing"
)

func TestSubtitleFormatByExtension(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"movie.srt", FormatVTT, false},
		{"movie.VTT", FormatVTT, false},
		{"movie.ass", FormatASS, false},
		{"movie.SSA", FormatASS, false},
		{"movie.sub", "", true},
		{"movie", "", true},
	}
	for _, tc := range cases {
		got, err := SubtitleFormat(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("SubtitleFormat(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("SubtitleFormat(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestNeedsVTTConversion(t *testing.T) {
	t.Parallel()

	if !NeedsVTTConversion("movie.SRT") {
		t.Error("srt must need conversion")
	}
	if NeedsVTTConversion("movie.vtt") || NeedsVTTConversion("movie.ass") {
		t.Error("vtt and ass must not need conversion")
	}
}

func TestConvertSRTToVTT(t *testing.T) {
	t.Parallel()

	src := "\ufeff1\r\n00:00:01,000 --> 00:00:04,250\r\nHello there.\r\n\r\n2\r\n00:01:02,500 --> 00:01:05,000\r\nSecond cue.\r\n"
	out := string(ConvertSRTToVTT([]byte(src)))

	if !strings.HasPrefix(out, "WEBVTT\n\n") {
		t.Fatalf("missing WEBVTT header: %q", out[:20])
	}
	if strings.Contains(out, "\r") {
		t.Fatal("CRLF must be normalized")
	}
	if strings.Contains(out, "\ufeff") {
		t.Fatal("BOM must be stripped")
	}
	if !strings.Contains(out, "00:00:01.000 --> 00:00:04.250") {
		t.Fatalf("first cue timestamps not rewritten: %q", out)
	}
	if !strings.Contains(out, "00:01:02.500 --> 00:01:05.000") {
		t.Fatalf("second cue timestamps not rewritten: %q", out)
	}
	if !strings.Contains(out, "Hello there.") || !strings.Contains(out, "Second cue.") {
		t.Fatal("cue text must survive conversion")
	}
}

func TestSubtitleContentType(t *testing.T) {
	t.Parallel()

	if got := SubtitleContentType(FormatVTT); got != "text/vtt; charset=utf-8" {
		t.Errorf("vtt content type = %q", got)
	}
	if got := SubtitleContentType(FormatASS); got != "text/x-ssa; charset=utf-8" {
		t.Errorf("ass content type = %q", got)
	}
}
