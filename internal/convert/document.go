package convert

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Document handles text-like formats. Plain text and markdown render to
// PDF natively, PDF extracts back to text natively, everything else goes
// through LibreOffice.
type Document struct {
	Tools Tools
}

func (d Document) Convert(ctx context.Context, req Request) (string, error) {
	out, err := d.convert(ctx, req)
	if err != nil {
		return "", fmt.Errorf("document conversion failed: %w", err)
	}
	return out, nil
}

func (d Document) convert(ctx context.Context, req Request) (string, error) {
	if _, err := os.Stat(req.InputPath); err != nil {
		return "", fmt.Errorf("input file not found: %s", req.InputPath)
	}
	out, err := req.outputPath()
	if err != nil {
		return "", err
	}
	req.report(10)

	in, to := req.InputFormat, req.OutputFormat
	switch {
	case in == to, in == "txt" && to == "md", in == "md" && to == "txt":
		err = copyFile(req.InputPath, out)
	case (in == "txt" || in == "md") && to == "pdf":
		err = textToPDF(req.InputPath, out, in == "md", req.report)
	case in == "pdf" && to == "txt":
		err = pdfToText(ctx, req.InputPath, out, req.report)
	default:
		err = d.Tools.officeConvert(ctx, req.InputPath, out, to)
	}
	if err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

func textToPDF(in, out string, markdown bool, report func(int)) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	report(30)

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(20, 20, 20)
	doc.SetAutoPageBreak(true, 20)
	doc.AddPage()
	tr := doc.UnicodeTranslatorFromDescriptor("")

	for i, line := range lines {
		size, style, text := 11.0, "", line
		if markdown {
			size, style, text = markdownLine(line)
		}
		doc.SetFont("Helvetica", style, size)
		if strings.TrimSpace(text) == "" {
			doc.Ln(size * 0.5)
		} else {
			doc.MultiCell(0, size*0.5, tr(text), "", "L", false)
		}
		if i%50 == 0 {
			report(30 + 60*i/len(lines))
		}
	}

	if err := doc.OutputFileAndClose(out); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	report(95)
	return nil
}

// markdownLine maps headings and bullets onto font settings.
func markdownLine(line string) (size float64, style, text string) {
	switch {
	case strings.HasPrefix(line, "### "):
		return 13, "B", strings.TrimPrefix(line, "### ")
	case strings.HasPrefix(line, "## "):
		return 16, "B", strings.TrimPrefix(line, "## ")
	case strings.HasPrefix(line, "# "):
		return 20, "B", strings.TrimPrefix(line, "# ")
	case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
		return 11, "", "• " + line[2:]
	}
	return 11, "", line
}

func pdfToText(ctx context.Context, in, out string, report func(int)) error {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	if err := api.ValidateFile(in, conf); err != nil {
		return fmt.Errorf("invalid pdf: %w", err)
	}
	pages, err := api.PageCountFile(in)
	if err != nil {
		return fmt.Errorf("count pages: %w", err)
	}
	report(20)

	f, r, err := pdf.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(dst)

	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			dst.Close()
			return err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			dst.Close()
			return fmt.Errorf("extract text from page %d: %w", i, err)
		}
		w.WriteString(text)
		w.WriteString("\n")
		if pages > 0 {
			report(20 + 75*i/pages)
		}
	}
	if err := w.Flush(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
