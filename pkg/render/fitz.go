package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
)

const (
	// DefaultDPI doubles the PDF's nominal 72 DPI, matching the fixed
	// 2.0 render scale used for all books.
	DefaultDPI = 144
	// DefaultQuality is the fixed JPEG quality for every page image.
	DefaultQuality = 80
)

// FitzRenderer rasterizes PDFs via MuPDF at a fixed scale and quality.
// Scale and quality are configuration, never request-dependent.
type FitzRenderer struct {
	dpi     float64
	quality int
}

// NewFitzRenderer builds a renderer; non-positive arguments fall back to
// the defaults.
func NewFitzRenderer(dpi float64, quality int) *FitzRenderer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &FitzRenderer{dpi: dpi, quality: quality}
}

// RenderAll decodes the document and renders every page. Any failure,
// including on the last page, discards the whole sequence.
func (r *FitzRenderer) RenderAll(ctx context.Context, pdf []byte) ([]RenderedPage, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if total <= 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	pages := make([]RenderedPage, 0, total)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(i, r.dpi)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}
		encoded, err := r.encode(img)
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		bounds := img.Bounds()
		pages = append(pages, RenderedPage{
			Number: i + 1,
			Image:  encoded,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		})
	}
	return pages, nil
}

func (r *FitzRenderer) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Ext returns the page image file extension.
func (r *FitzRenderer) Ext() string { return "jpg" }

// ContentType returns the page image MIME type.
func (r *FitzRenderer) ContentType() string { return "image/jpeg" }
