package constants

import "strings"

// Document formats understood by the OCR stage.
const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

// MaxUploadBytesDefault caps a single uploaded document (10 MiB).
const MaxUploadBytesDefault int64 = 10 << 20

// AllowedExtensions holds the file extensions accepted on upload.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// AllowedExt checks if a file extension is in the allowed set.
func AllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}

// MapExtToFormat maps a file extension to PDF or IMAGE; "" when unsupported.
func MapExtToFormat(ext string) string {
	switch NormalizeExt(ext) {
	case "pdf":
		return PDF
	case "jpg", "jpeg", "png":
		return IMAGE
	default:
		return ""
	}
}
