// Package pagination materializes a book's PDF as page images, exactly once.
package pagination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"shelfread/pkg/domain"
	"shelfread/pkg/render"
	"shelfread/pkg/storage"
	"shelfread/pkg/store"
)

// ErrNoSourcePDF indicates the book has no source document to render.
var ErrNoSourcePDF = errors.New("book has no source pdf")

const (
	defaultBuildTimeout = 2 * time.Minute
	defaultPutTimeout   = 15 * time.Second
)

// Config wires the pipeline's collaborators.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Renderer  render.Renderer
	KeyPrefix string
	// BuildTimeout bounds a whole build attempt; PutTimeout bounds each
	// individual object upload.
	BuildTimeout time.Duration
	PutTimeout   time.Duration
}

// Pipeline converts a book's PDF into a dense, durable page sequence.
type Pipeline struct {
	store        store.Store
	objects      storage.ObjectStore
	renderer     render.Renderer
	keyPrefix    string
	buildTimeout time.Duration
	putTimeout   time.Duration
	group        singleflight.Group
}

// New constructs the pipeline.
func New(cfg Config) *Pipeline {
	buildTimeout := cfg.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = defaultBuildTimeout
	}
	putTimeout := cfg.PutTimeout
	if putTimeout <= 0 {
		putTimeout = defaultPutTimeout
	}
	return &Pipeline{
		store:        cfg.Store,
		objects:      cfg.Objects,
		renderer:     cfg.Renderer,
		keyPrefix:    cfg.KeyPrefix,
		buildTimeout: buildTimeout,
		putTimeout:   putTimeout,
	}
}

// PageKey derives the deterministic storage key for one page image.
// Zero-padded to four digits so keys sort and diff naturally.
func PageKey(prefix, bookID string, pageNumber int, ext string) string {
	name := fmt.Sprintf("%04d.%s", pageNumber, ext)
	return path.Join(prefix, "pages", bookID, name)
}

// EnsurePagesBuilt renders and persists all pages of the book unless
// page rows already exist, in which case it returns the existing count
// untouched. Concurrent calls for the same book collapse into a single
// build; a build that loses the storage-level uniqueness race adopts the
// winner's result instead of failing.
func (p *Pipeline) EnsurePagesBuilt(ctx context.Context, book domain.Book) (int, error) {
	count, err := p.store.CountPages(book.ID)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	if count > 0 {
		return count, nil
	}

	result, err, _ := p.group.Do(book.ID, func() (any, error) {
		return p.build(book)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// Rebuild drops every page row for the book and builds from scratch.
// All-or-nothing: there is no partial refresh of "missing" pages.
func (p *Pipeline) Rebuild(ctx context.Context, book domain.Book) (int, error) {
	result, err, _ := p.group.Do(book.ID, func() (any, error) {
		if err := p.store.DeletePages(book.ID); err != nil {
			return 0, fmt.Errorf("delete pages: %w", err)
		}
		return p.build(book)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// build runs one full render-upload-commit attempt. It is detached from
// any single request's context: every caller waiting on the singleflight
// key shares the outcome, so the attempt runs under its own deadline.
func (p *Pipeline) build(book domain.Book) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.buildTimeout)
	defer cancel()

	// Re-check inside the flight: a previous build may have committed
	// between the caller's check and this one.
	count, err := p.store.CountPages(book.ID)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	if count > 0 {
		return count, nil
	}

	if book.PDFKey == "" {
		return 0, ErrNoSourcePDF
	}

	attempt := uuid.NewString()
	start := time.Now()
	slog.Info("page build started", "book_id", book.ID, "attempt", attempt)

	pdfBytes, err := p.fetchPDF(ctx, book.PDFKey)
	if err != nil {
		return 0, fmt.Errorf("fetch pdf: %w", err)
	}
	rendered, err := p.renderer.RenderAll(ctx, pdfBytes)
	if err != nil {
		return 0, fmt.Errorf("render pdf: %w", err)
	}

	// Upload each image before creating its row, so a page row never
	// exists without its blob. The reverse (orphan blobs from an attempt
	// that fails past this point) is tolerated waste.
	rows := make([]domain.Page, 0, len(rendered))
	now := time.Now().UTC()
	for _, page := range rendered {
		key := PageKey(p.keyPrefix, book.ID, page.Number, p.renderer.Ext())
		if err := p.uploadPage(ctx, key, page.Image); err != nil {
			return 0, fmt.Errorf("upload page %d: %w", page.Number, err)
		}
		rows = append(rows, domain.Page{
			BookID:     book.ID,
			PageNumber: page.Number,
			StorageKey: key,
			Width:      page.Width,
			Height:     page.Height,
			CreatedAt:  now,
		})
	}

	if err := p.store.CreatePages(book.ID, rows, len(rows)); err != nil {
		if errors.Is(err, store.ErrDuplicatePage) {
			// A concurrent build in another process committed first. Its
			// rows are authoritative; ours become orphan blobs.
			slog.Warn("page build lost race", "book_id", book.ID, "attempt", attempt)
			return p.store.CountPages(book.ID)
		}
		return 0, fmt.Errorf("persist pages: %w", err)
	}

	slog.Info("page build finished",
		"book_id", book.ID,
		"attempt", attempt,
		"pages", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return len(rows), nil
}

func (p *Pipeline) fetchPDF(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (p *Pipeline) uploadPage(ctx context.Context, key string, data []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, p.putTimeout)
	defer cancel()
	return p.objects.Put(putCtx, key, bytes.NewReader(data), int64(len(data)), p.renderer.ContentType())
}
