package extract

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

var (
	reMDHeading = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*#*\s*$`)
	reMDLink    = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)[^)]*\)`)
)

// TextExtractor handles plain text formats. CSV, JSON, Markdown and HTML get
// format-aware structure on top of the raw content.
type TextExtractor struct{}

func (TextExtractor) Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read file: %v", common.ErrExtraction, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &entity.ExtractionResult{}
	if !utf8.Valid(raw) {
		res.Warnings = append(res.Warnings, "file is not valid UTF-8; invalid bytes replaced")
		raw = []byte(strings.ToValidUTF8(string(raw), "�"))
	}
	content := string(raw)

	switch constants.NormalizeExt(filepath.Ext(path)) {
	case "csv":
		rows, err := csv.NewReader(strings.NewReader(content)).ReadAll()
		if err != nil {
			res.Warnings = append(res.Warnings, "csv parse: "+err.Error())
			break
		}
		res.StructuredData = &entity.StructuredData{Tables: []entity.Table{{Name: filepath.Base(path), Rows: rows}}}
	case "json":
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: invalid json: %v", common.ErrExtraction, err)
		}
		if obj, ok := doc.(map[string]any); ok {
			meta := &entity.FileMetadata{}
			meta.Title, _ = obj["title"].(string)
			meta.Author, _ = obj["author"].(string)
			res.FileMetadata = meta
		}
	case "md":
		res.StructuredData = markdownStructure(content)
	case "html", "htm":
		doc, err := parseHTML(content)
		if err != nil {
			return nil, fmt.Errorf("%w: parse html: %v", common.ErrExtraction, err)
		}
		res.StructuredData = &entity.StructuredData{Headings: doc.headings, Links: doc.links}
		if doc.title != "" {
			res.FileMetadata = &entity.FileMetadata{Title: doc.title}
		}
		content = doc.text
	}

	if opts.IncludeText {
		res.ExtractedText = newText(content)
	}
	return res, nil
}

func markdownStructure(s string) *entity.StructuredData {
	sd := &entity.StructuredData{}
	for _, m := range reMDHeading.FindAllStringSubmatch(s, -1) {
		sd.Headings = append(sd.Headings, entity.Heading{Level: len(m[1]), Text: m[2]})
	}
	for _, m := range reMDLink.FindAllStringSubmatch(s, -1) {
		sd.Links = append(sd.Links, m[1])
	}
	return sd
}

func countWords(s string) int { return len(strings.Fields(s)) }
func countChars(s string) int { return utf8.RuneCountInString(s) }
