package media

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const probeTimeout = 10 * time.Second

// ProbeResult holds what ffprobe could tell us about an uploaded file.
// Nil fields mean the probe failed or the field was absent; probing is
// best-effort and never fails an upload.
type ProbeResult struct {
	Duration   *float64 // seconds
	BitrateBPS *int64
}

// Prober shells out to ffprobe. A zero value uses "ffprobe" from PATH.
type Prober struct {
	Path string
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects path. All failures degrade to an empty result.
func (p Prober) Probe(ctx context.Context, path string) ProbeResult {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration,bit_rate",
		"-of", "json",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		slog.Debug("ffprobe failed", "path", path, "err", err)
		return ProbeResult{}
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		slog.Debug("ffprobe output unparsable", "path", path, "err", err)
		return ProbeResult{}
	}

	var result ProbeResult
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil && d > 0 {
		result.Duration = &d
	}
	if b, err := strconv.ParseInt(parsed.Format.BitRate, 10, 64); err == nil && b > 0 {
		result.BitrateBPS = &b
	}
	return result
}
