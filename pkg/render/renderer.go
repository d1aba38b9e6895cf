package render

import "context"

// RenderedPage is one rasterized page of a document, 1-indexed in
// document order.
type RenderedPage struct {
	Number int
	Image  []byte
	Width  int
	Height int
}

// Renderer converts raw PDF bytes into the full ordered page sequence.
// Rendering is fail-fast: a document that cannot be fully decoded yields
// an error and no pages. There is no mid-sequence checkpoint; callers
// re-invoke from scratch.
type Renderer interface {
	RenderAll(ctx context.Context, pdf []byte) ([]RenderedPage, error)
	// Ext is the file extension of the emitted image format, without dot.
	Ext() string
	// ContentType is the MIME type of the emitted images.
	ContentType() string
}
