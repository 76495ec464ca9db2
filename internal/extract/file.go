package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var ErrUnsupportedFile = fmt.Errorf("unsupported file type")

// textExtensions are the upload formats handled natively. Anything else needs
// an external extraction backend.
var textExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".text":     true,
}

// SupportedFile reports whether a filename can be extracted without an
// external backend.
func SupportedFile(filename string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(filename))]
}

// FileExtractor turns an uploaded plain-text or markdown file into markdown.
// It returns a parse.Extractor-shaped closure so the cache decides whether the
// work runs at all.
func FileExtractor(filename string, data []byte) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		if !SupportedFile(filename) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Ext(filename))
		}
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s is not valid utf-8", ErrUnsupportedFile, filename)
		}
		text := strings.ReplaceAll(string(data), "\r\n", "\n")
		return text, nil
	}
}
