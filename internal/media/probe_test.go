package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestProbeParsesFormatJSON(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell stub")
	}

	script := filepath.Join(t.TempDir(), "fakeprobe")
	stub := "#!/bin/sh\necho '{\"format\":{\"duration\":\"4321.5\",\"bit_rate\":\"900000\"}}'\n"
	if err := os.WriteFile(script, []byte(stub), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	res := Prober{Path: script}.Probe(context.Background(), "/ignored.mkv")
	if res.Duration == nil || *res.Duration != 4321.5 {
		t.Fatalf("duration = %v", res.Duration)
	}
	if res.BitrateBPS == nil || *res.BitrateBPS != 900_000 {
		t.Fatalf("bitrate = %v", res.BitrateBPS)
	}
}

func TestProbeSwallowsMissingBinary(t *testing.T) {
	t.Parallel()

	p := Prober{Path: "ffprobe-that-does-not-exist"}
	res := p.Probe(context.Background(), "/no/such/file.mkv")
	if res.Duration != nil || res.BitrateBPS != nil {
		t.Fatalf("probe failures must yield an empty result, got %#v", res)
	}
}
