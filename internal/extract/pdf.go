package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// PDFExtractor validates the document and reads its page count and info
// dictionary with pdfcpu; text comes from pdftotext when it is installed.
type PDFExtractor struct {
	runner Runner
	binary string
	logger *slog.Logger
}

func (e *PDFExtractor) Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return nil, fmt.Errorf("%w: invalid pdf: %v", common.ErrExtraction, err)
	}

	res := &entity.ExtractionResult{FileMetadata: &entity.FileMetadata{}}
	pages, err := api.PageCountFile(path)
	if err != nil {
		res.Warnings = append(res.Warnings, "page count: "+err.Error())
	} else {
		res.FileMetadata.PageCount = &pages
	}
	if pctx, err := api.ReadContextFile(path); err == nil {
		res.FileMetadata.Title = pctx.Title
		res.FileMetadata.Author = pctx.Author
		res.FileMetadata.Subject = pctx.Subject
	} else {
		res.Warnings = append(res.Warnings, "document info: "+err.Error())
	}

	if !opts.IncludeText {
		return res, nil
	}
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.binary, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	switch {
	case err == nil:
		text := string(out)
		res.ExtractedText = newText(strings.TrimSpace(strings.ReplaceAll(text, "\f", "\n")))
		if res.FileMetadata.PageCount == nil {
			// a form-feed separates pages
			n := 1 + strings.Count(strings.TrimRight(text, "\f"), "\f")
			res.FileMetadata.PageCount = &n
		}
	case errors.Is(err, exec.ErrNotFound):
		e.logger.Warn("pdftotext not available, skipping text", "binary", e.binary)
		res.Warnings = append(res.Warnings, "pdftotext not available; text was not extracted")
	case ctx.Err() != nil:
		return nil, context.Cause(ctx)
	default:
		return nil, fmt.Errorf("%w: pdftotext: %v: %s", common.ErrExtraction, err, truncate(string(errb), 512))
	}
	return res, nil
}
