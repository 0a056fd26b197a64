package convert

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/xuri/excelize/v2"
)

// Spreadsheet converts between csv and xlsx natively and hands the rest
// (xls, ods) to LibreOffice. Only the first sheet is exported to csv.
type Spreadsheet struct {
	Tools Tools
}

func (s Spreadsheet) Convert(ctx context.Context, req Request) (string, error) {
	out, err := s.convert(ctx, req)
	if err != nil {
		return "", fmt.Errorf("spreadsheet conversion failed: %w", err)
	}
	return out, nil
}

func (s Spreadsheet) convert(ctx context.Context, req Request) (string, error) {
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
	case in == to:
		err = copyFile(req.InputPath, out)
	case in == "csv" && to == "xlsx":
		err = csvToXLSX(req.InputPath, out, req.report)
	case in == "xlsx" && to == "csv":
		err = xlsxToCSV(req.InputPath, out, req.report)
	default:
		err = s.Tools.officeConvert(ctx, req.InputPath, out, to)
	}
	if err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

func csvToXLSX(in, out string, report func(int)) error {
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()

	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	for row := 1; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv line %d: %w", row, err)
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &record); err != nil {
			return err
		}
	}
	report(70)
	return f.SaveAs(out)
}

func xlsxToCSV(in, out string, report func(int)) error {
	f, err := excelize.OpenFile(in)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return err
	}
	report(60)

	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	w := csv.NewWriter(dst)
	if err := w.WriteAll(rows); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
