// Package convert holds the converter capability registry and the default
// converters behind it. The orchestrator only sees the Converter contract.
package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/example/convertd/api-go/internal/formats"
)

// ProgressFunc receives a 0-100 estimate while a conversion runs.
type ProgressFunc func(percent int)

type Request struct {
	InputPath    string
	InputFormat  string
	OutputFormat string
	OutputDir    string
	Progress     ProgressFunc
}

func (r Request) report(p int) {
	if r.Progress != nil {
		r.Progress(p)
	}
}

// outputPath allocates a fresh file name for the result.
func (r Request) outputPath() (string, error) {
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return filepath.Join(r.OutputDir, uuid.NewString()+"."+r.OutputFormat), nil
}

// Converter turns the input file into a new file of OutputFormat inside
// OutputDir and returns its path.
type Converter interface {
	Convert(ctx context.Context, req Request) (string, error)
}

type ConverterFunc func(ctx context.Context, req Request) (string, error)

func (f ConverterFunc) Convert(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Registry maps each family to its converter. It is immutable once built.
type Registry struct {
	converters map[formats.Family]Converter
}

func NewRegistry(m map[formats.Family]Converter) *Registry {
	copied := make(map[formats.Family]Converter, len(m))
	for f, c := range m {
		copied[f] = c
	}
	return &Registry{converters: copied}
}

// NewDefaultRegistry wires the built-in converters for every family.
func NewDefaultRegistry(t Tools) *Registry {
	return NewRegistry(map[formats.Family]Converter{
		formats.Image:       Image{Tools: t},
		formats.Audio:       Media{Family: formats.Audio, Tools: t},
		formats.Video:       Media{Family: formats.Video, Tools: t},
		formats.Document:    Document{Tools: t},
		formats.Spreadsheet: Spreadsheet{Tools: t},
	})
}

func (r *Registry) Lookup(f formats.Family) (Converter, bool) {
	c, ok := r.converters[f]
	return c, ok
}

// copyFile is used when input and output formats are the same token.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
