package convert

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

// Tools holds paths to the external binaries some converters shell out to.
// Empty fields fall back to the binary name on PATH. A missing binary only
// fails the conversions that need it.
type Tools struct {
	FFmpeg  string
	FFprobe string
	Soffice string
}

func (t Tools) ffmpeg() (string, error)  { return lookTool("ffmpeg", t.FFmpeg) }
func (t Tools) ffprobe() (string, error) { return lookTool("ffprobe", t.FFprobe) }
func (t Tools) soffice() (string, error) { return lookTool("soffice", t.Soffice) }

func lookTool(name, configured string) (string, error) {
	candidate := strings.TrimSpace(configured)
	if candidate == "" {
		candidate = name
	}
	path, err := exec.LookPath(candidate)
	if err != nil {
		return "", fmt.Errorf("%s not found: please install it or point the service at it", name)
	}
	return path, nil
}

// transcode runs ffmpeg and feeds its machine-readable progress stream
// into report. duration may be zero when unknown; progress is then only
// reported at the end.
func transcode(ctx context.Context, bin string, args []string, duration time.Duration, report func(int)) error {
	full := append([]string{"-hide_banner", "-nostats", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, bin, full...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	readProgress(stdout, duration, report)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// readProgress parses `-progress pipe:1` key=value lines.
func readProgress(r io.Reader, duration time.Duration, report func(int)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || duration <= 0 {
			continue
		}
		// out_time_ms is in microseconds despite the name.
		if key != "out_time_ms" && key != "out_time_us" {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || us < 0 {
			continue
		}
		pct := int(time.Duration(us) * time.Microsecond * 100 / duration)
		report(min(pct, 99))
	}
}

// probeDuration returns the media duration, using the WAV header directly
// when possible and ffprobe otherwise. Zero means unknown.
func (t Tools) probeDuration(ctx context.Context, path string) time.Duration {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if d, err := wavDuration(path); err == nil {
			return d
		}
	}
	bin, err := t.ffprobe()
	if err != nil {
		return 0
	}
	out, err := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func wavDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file: %s", path)
	}
	return d.Duration()
}
