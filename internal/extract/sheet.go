package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// SheetExtractor reads workbooks: every sheet becomes a table and the text is
// the tab-separated dump of all sheets.
type SheetExtractor struct {
	logger *slog.Logger
}

func (e *SheetExtractor) Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", common.ErrExtraction, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			e.logger.Warn("failed to close workbook", "path", path, "error", err)
		}
	}()

	res := &entity.ExtractionResult{}
	if props, err := f.GetDocProps(); err == nil && props != nil {
		res.FileMetadata = &entity.FileMetadata{
			Title:   props.Title,
			Author:  props.Creator,
			Subject: props.Subject,
		}
	} else if err != nil {
		res.Warnings = append(res.Warnings, "document properties: "+err.Error())
	}

	sheets := f.GetSheetList()
	sd := &entity.StructuredData{Sheets: sheets}
	var b strings.Builder
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sheet %q: %v", sheet, err))
			continue
		}
		sd.Tables = append(sd.Tables, entity.Table{Name: sheet, Rows: normalizeRows(rows)})
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
	}
	res.StructuredData = sd
	if opts.IncludeText {
		res.ExtractedText = newText(strings.TrimRight(b.String(), "\n"))
	}
	return res, nil
}

// normalizeRows pads ragged rows so every row has the width of the widest one.
func normalizeRows(rows [][]string) [][]string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		row := make([]string, width)
		copy(row, r)
		out[i] = row
	}
	return out
}
