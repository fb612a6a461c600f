package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

var reBoxNoise = regexp.MustCompile(`[|¦]{2,}`)

// ImageExtractor runs tesseract OCR over raster images. HEIC/HEIF input is
// converted to PNG first, since tesseract cannot read it.
type ImageExtractor struct {
	runner    Runner
	binary    string
	lang      string
	converter string
}

func (e *ImageExtractor) Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error) {
	res := &entity.ExtractionResult{FileMetadata: &entity.FileMetadata{PageCount: entity.Ptr(1)}}
	if !opts.IncludeText {
		return res, nil
	}
	lang := e.lang
	if opts.Language != "" {
		lang = opts.Language
	}

	src := path
	switch constants.NormalizeExt(filepath.Ext(path)) {
	case "heic", "heif":
		png, cleanup, err := e.convertHEIC(ctx, path)
		if cleanup != nil {
			defer cleanup()
		}
		if err != nil {
			return nil, err
		}
		src = png
	}

	// tesseract <file> stdout -l <lang>
	out, errb, err := e.runner.Run(ctx, e.binary, src, "stdout", "-l", lang)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w: tesseract: %v: %s", common.ErrExtraction, err, truncate(string(errb), 512))
	}
	txt := strings.TrimSpace(reBoxNoise.ReplaceAllString(string(out), ""))
	res.ExtractedText = newText(txt)
	res.ExtractedText.Language = lang
	return res, nil
}

// convertHEIC writes a PNG rendition into a temp dir; cleanup removes it.
func (e *ImageExtractor) convertHEIC(ctx context.Context, in string) (string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "filextract-heic-*")
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", common.ErrExtraction, err)
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }
	out := filepath.Join(tmpDir, "page.png")

	var args []string
	switch e.converter {
	case "heif-convert", "magick":
		args = []string{in, out}
	case "sips":
		args = []string{"-s", "format", "png", in, "--out", out}
	default:
		return "", cleanup, fmt.Errorf("%w: HEIC converter %q not supported (heif-convert | magick | sips)", common.ErrExtraction, e.converter)
	}
	if _, errb, err := e.runner.Run(ctx, e.converter, args...); err != nil {
		if ctx.Err() != nil {
			return "", cleanup, context.Cause(ctx)
		}
		return "", cleanup, fmt.Errorf("%w: %s: %v: %s", common.ErrExtraction, e.converter, err, truncate(string(errb), 512))
	}
	return out, cleanup, nil
}
