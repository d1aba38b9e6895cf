// Package pdfinfo inspects uploaded PDFs before any blob is stored,
// rejecting documents that cannot be decoded at all.
package pdfinfo

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// Info is the preflight result for an uploaded PDF.
type Info struct {
	PageCount int
}

// Inspect parses the document structure and returns its page count.
// It does not rasterize; the pagination pipeline remains the only
// authority for the final total once pages are built.
func Inspect(data []byte) (Info, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, fmt.Errorf("parse pdf: %w", err)
	}
	count := reader.NumPage()
	if count <= 0 {
		return Info{}, fmt.Errorf("pdf has no pages")
	}
	return Info{PageCount: count}, nil
}
