package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// officeConvert runs LibreOffice headless into a scratch dir and moves the
// result to out. The scratch dir keeps concurrent runs from clobbering each
// other's files, which soffice names after the input.
func (t Tools) officeConvert(ctx context.Context, in, out, format string) error {
	bin, err := t.soffice()
	if err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(filepath.Dir(out), ".soffice-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	cmd := exec.CommandContext(ctx, bin,
		"--headless",
		"-env:UserInstallation=file://"+filepath.ToSlash(filepath.Join(scratch, "profile")),
		"--convert-to", format,
		"--outdir", scratch,
		in,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("soffice failed: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}

	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	produced := filepath.Join(scratch, base+"."+format)
	if _, err := os.Stat(produced); err != nil {
		return fmt.Errorf("soffice produced no %s output", format)
	}
	return os.Rename(produced, out)
}
