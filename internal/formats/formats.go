// Package formats maps format tokens to the conversion family that owns them.
package formats

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

type Family string

const (
	Image       Family = "image"
	Audio       Family = "audio"
	Video       Family = "video"
	Document    Family = "document"
	Spreadsheet Family = "spreadsheet"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrAmbiguousFormat wraps ErrUnsupportedFormat.
	ErrAmbiguousFormat = fmt.Errorf("%w: ambiguous output format", ErrUnsupportedFormat)
)

type table struct {
	inputs  []string
	outputs []string
}

// Family order is fixed so listings are stable.
var order = []Family{Image, Audio, Video, Document, Spreadsheet}

var families = map[Family]table{
	Image: {
		inputs:  []string{"png", "jpeg", "jpg", "webp", "gif", "tiff", "bmp"},
		outputs: []string{"png", "jpeg", "jpg", "webp", "gif", "tiff", "bmp"},
	},
	Audio: {
		inputs:  []string{"mp3", "wav", "ogg", "m4a", "flac", "aac", "opus", "webm"},
		outputs: []string{"mp3", "wav", "ogg", "m4a", "flac", "aac"},
	},
	Video: {
		inputs:  []string{"mp4", "webm", "mov", "avi", "mkv"},
		outputs: []string{"mp4", "webm", "mov", "avi", "mkv"},
	},
	Document: {
		inputs:  []string{"pdf", "docx", "doc", "txt", "md", "rtf", "html", "odt"},
		outputs: []string{"pdf", "docx", "txt", "xlsx", "md", "rtf", "html", "odt"},
	},
	Spreadsheet: {
		inputs:  []string{"xls", "xlsx", "csv", "ods"},
		outputs: []string{"xls", "xlsx", "csv", "ods"},
	},
}

// Normalize lowercases a format token and strips a leading dot.
func Normalize(token string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(token)), ".")
}

// Families returns every known family.
func Families() []Family {
	return slices.Clone(order)
}

// ParseFamily resolves a family name. The empty string is not a family.
func ParseFamily(s string) (Family, bool) {
	f := Family(Normalize(s))
	_, ok := families[f]
	return f, ok
}

// Outputs returns the output tokens handled by f.
func Outputs(f Family) []string {
	return slices.Clone(families[f].outputs)
}

// Inputs returns the input tokens f is expected to read.
func Inputs(f Family) []string {
	return slices.Clone(families[f].inputs)
}

// Lookup returns every family that can produce the output token.
func Lookup(output string) []Family {
	output = Normalize(output)
	var out []Family
	for _, f := range order {
		if slices.Contains(families[f].outputs, output) {
			out = append(out, f)
		}
	}
	return out
}

// Classify resolves the family for an output token. An explicit hint wins
// when it owns the token. When several families own the token the input
// format decides; it is never guessed.
func Classify(input, output string, hint Family) (Family, error) {
	input = Normalize(input)
	output = Normalize(output)
	if output == "" {
		return "", fmt.Errorf("%w: empty output format", ErrUnsupportedFormat)
	}

	if hint != "" {
		t, ok := families[hint]
		if !ok {
			return "", fmt.Errorf("%w: unknown family %q", ErrUnsupportedFormat, hint)
		}
		if !slices.Contains(t.outputs, output) {
			return "", fmt.Errorf("%w: %s cannot produce %q", ErrUnsupportedFormat, hint, output)
		}
		return hint, nil
	}

	candidates := Lookup(output)
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, output)
	case 1:
		return candidates[0], nil
	}

	var match []Family
	for _, f := range candidates {
		if slices.Contains(families[f].inputs, input) {
			match = append(match, f)
		}
	}
	if len(match) != 1 {
		return "", fmt.Errorf("%w: %q from %q could be %v; pass a family", ErrAmbiguousFormat, output, input, candidates)
	}
	return match[0], nil
}
