package convert

import (
	"context"
	"fmt"
	"os"

	"github.com/example/convertd/api-go/internal/formats"
)

// Media converts audio and video through ffmpeg.
type Media struct {
	Family formats.Family
	Tools  Tools
}

func (m Media) Convert(ctx context.Context, req Request) (string, error) {
	out, err := m.convert(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s conversion failed: %w", m.Family, err)
	}
	return out, nil
}

func (m Media) convert(ctx context.Context, req Request) (string, error) {
	bin, err := m.Tools.ffmpeg()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return "", fmt.Errorf("input file not found: %s", req.InputPath)
	}
	out, err := req.outputPath()
	if err != nil {
		return "", err
	}
	req.report(5)

	duration := m.Tools.probeDuration(ctx, req.InputPath)
	req.report(10)

	args := []string{"-i", req.InputPath, "-progress", "pipe:1"}
	args = append(args, m.codecArgs(req.OutputFormat)...)
	args = append(args, out)

	report := func(p int) {
		// Map ffmpeg's 0-99 onto 10-99 so the probe step stays visible.
		req.report(10 + p*89/99)
	}
	if err := transcode(ctx, bin, args, duration, report); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

func (m Media) codecArgs(format string) []string {
	if m.Family == formats.Audio {
		args := []string{"-vn"}
		switch format {
		case "mp3":
			args = append(args, "-codec:a", "libmp3lame", "-q:a", "2")
		case "m4a", "aac":
			args = append(args, "-codec:a", "aac", "-b:a", "192k")
		case "ogg":
			args = append(args, "-codec:a", "libvorbis", "-q:a", "5")
		}
		return args
	}
	switch format {
	case "mp4", "mov":
		return []string{"-codec:v", "libx264", "-preset", "veryfast", "-codec:a", "aac", "-movflags", "+faststart"}
	case "webm":
		return []string{"-codec:v", "libvpx-vp9", "-b:v", "0", "-crf", "32", "-codec:a", "libopus"}
	}
	return nil
}
