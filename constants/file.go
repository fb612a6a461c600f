package constants

import "strings"

// Extension groups understood by the built-in extractors.
var (
	TextExtensions  = []string{"txt", "csv", "json", "xml", "html", "htm", "md", "yaml", "yml"}
	SheetExtensions = []string{"xlsx"}
	PDFExtensions   = []string{"pdf"}
	ImageExtensions = []string{"png", "jpg", "jpeg", "tif", "tiff", "bmp", "heic", "heif"}
)

// SupportedExtensions is the union of every extension group.
func SupportedExtensions() map[string]struct{} {
	out := make(map[string]struct{})
	for _, group := range [][]string{TextExtensions, SheetExtensions, PDFExtensions, ImageExtensions} {
		for _, ext := range group {
			out[ext] = struct{}{}
		}
	}
	return out
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MimeTypeForExt returns a best-effort MIME type for a normalized extension.
func MimeTypeForExt(ext string) string {
	switch ext {
	case "txt", "md":
		return "text/plain"
	case "csv":
		return "text/csv"
	case "json":
		return "application/json"
	case "xml":
		return "application/xml"
	case "html", "htm":
		return "text/html"
	case "yaml", "yml":
		return "application/yaml"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		return "application/pdf"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tif", "tiff":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	case "heic", "heif":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
