package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// Extractor turns a file into extracted content. Implementations only fill
// the parts they understand; the Registry supplies file metadata and timing.
type Extractor interface {
	Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error)
}

type Config struct {
	Pdftotext     string // binary name or absolute path; if empty -> "pdftotext"
	Tesseract     string // binary name or absolute path; if empty -> "tesseract"
	TesseractLang string // default "eng"
	HeicConverter string // heif-convert | magick | sips; default "magick"
}

// Registry dispatches on file extension and validates every result before
// returning it.
type Registry struct {
	byExt  map[string]Extractor
	logger *slog.Logger
}

// NewRegistry registers the built-in extractors. runner may be nil to use
// the real external commands.
func NewRegistry(cfg Config, runner Runner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = execRunner{logger: logger}
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.HeicConverter == "" {
		cfg.HeicConverter = "magick"
	}

	r := &Registry{byExt: make(map[string]Extractor), logger: logger}
	r.Register(&TextExtractor{}, constants.TextExtensions...)
	r.Register(&SheetExtractor{logger: logger}, constants.SheetExtensions...)
	r.Register(&PDFExtractor{runner: runner, binary: cfg.Pdftotext, logger: logger}, constants.PDFExtensions...)
	r.Register(&ImageExtractor{runner: runner, binary: cfg.Tesseract, lang: cfg.TesseractLang, converter: cfg.HeicConverter}, constants.ImageExtensions...)
	return r
}

// Register binds an extractor to one or more extensions, replacing any previous binding.
func (r *Registry) Register(e Extractor, exts ...string) {
	for _, ext := range exts {
		r.byExt[constants.NormalizeExt(ext)] = e
	}
}

// Supported lists the registered extensions.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error) {
	start := time.Now()
	log := common.LoggerFromContext(ctx, r.logger)
	ext := constants.NormalizeExt(filepath.Ext(path))
	e, ok := r.byExt[ext]
	if !ok {
		log.Error("unsupported extension", "extension", ext, "path", path)
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedFormat, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrExtraction, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", common.ErrExtraction, path)
	}

	log.Debug("starting extraction", "path", path, "ext", ext)
	res, err := e.Extract(ctx, path, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	if res == nil {
		res = &entity.ExtractionResult{}
	}

	if opts.IncludeMetadata {
		res.FileMetadata = mergeMetadata(baseMetadata(path, ext, info), res.FileMetadata)
	} else {
		res.FileMetadata = nil
	}
	if !opts.IncludeText {
		res.ExtractedText = nil
	} else if res.ExtractedText != nil && res.ExtractedText.Language == "" {
		res.ExtractedText.Language = opts.Language
	}
	if !opts.IncludeStructure {
		res.StructuredData = nil
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	res.Success = true
	res.ExtractionTime = time.Since(start).Seconds()

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %v", common.ErrExtraction, err)
	}
	if err := ValidateResult(raw); err != nil {
		log.Error("extraction result failed validation", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrExtraction, err)
	}
	log.Info("extraction finished", "ext", ext, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func baseMetadata(path, ext string, info os.FileInfo) *entity.FileMetadata {
	mod := info.ModTime().UTC()
	return &entity.FileMetadata{
		Filename:      filepath.Base(path),
		FileSize:      info.Size(),
		FileType:      constants.MimeTypeForExt(ext),
		FileExtension: "." + ext,
		ModifiedDate:  &mod,
	}
}

// mergeMetadata overlays what the format extractor found onto the file basics.
func mergeMetadata(base, found *entity.FileMetadata) *entity.FileMetadata {
	if found == nil {
		return base
	}
	base.PageCount = found.PageCount
	base.Title = found.Title
	base.Author = found.Author
	base.Subject = found.Subject
	return base
}

// newText builds the text section with word and character counts.
func newText(content string) *entity.ExtractedText {
	return &entity.ExtractedText{
		Content:        content,
		WordCount:      countWords(content),
		CharacterCount: countChars(content),
	}
}
