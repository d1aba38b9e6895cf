package pagination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shelfread/pkg/domain"
	"shelfread/pkg/render"
	"shelfread/pkg/store"
)

type fakeObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: make(map[string][]byte)}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

type fakeRenderer struct {
	pages int32
	calls atomic.Int32
	err   error
}

func (f *fakeRenderer) RenderAll(_ context.Context, _ []byte) ([]render.RenderedPage, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	pages := make([]render.RenderedPage, 0, f.pages)
	for i := int32(1); i <= f.pages; i++ {
		pages = append(pages, render.RenderedPage{
			Number: int(i),
			Image:  []byte{0xff, byte(i)},
			Width:  612,
			Height: 792,
		})
	}
	return pages, nil
}

func (f *fakeRenderer) Ext() string         { return "jpg" }
func (f *fakeRenderer) ContentType() string { return "image/jpeg" }

func seedBook(t *testing.T, st *store.MemoryStore, objects *fakeObjects, id string) domain.Book {
	t.Helper()
	book := domain.Book{ID: id, Title: "t", Tier: domain.TierFree, PDFKey: "pdfs/" + id + "/source.pdf"}
	if err := st.SaveBook(book); err != nil {
		t.Fatalf("save book: %v", err)
	}
	if err := objects.Put(context.Background(), book.PDFKey, bytes.NewReader([]byte("%PDF-fake")), 9, "application/pdf"); err != nil {
		t.Fatalf("seed pdf: %v", err)
	}
	return book
}

func TestPageKey(t *testing.T) {
	got := PageKey("media", "b1", 7, "jpg")
	if got != "media/pages/b1/0007.jpg" {
		t.Fatalf("unexpected page key %q", got)
	}
	got = PageKey("", "b1", 1234, "jpg")
	if got != "pages/b1/1234.jpg" {
		t.Fatalf("unexpected page key without prefix %q", got)
	}
}

func TestEnsurePagesBuiltBuildsThenShortCircuits(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	renderer := &fakeRenderer{pages: 3}
	p := New(Config{Store: st, Objects: objects, Renderer: renderer})
	book := seedBook(t, st, objects, "b1")

	count, err := p.EnsurePagesBuilt(context.Background(), book)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 pages, got %d", count)
	}
	// source pdf + 3 page images
	if objects.count() != 4 {
		t.Fatalf("expected 4 stored objects, got %d", objects.count())
	}
	page, ok, err := st.GetPage("b1", 2)
	if err != nil || !ok {
		t.Fatalf("page 2 missing after build: ok=%v err=%v", ok, err)
	}
	if page.StorageKey != "pages/b1/0002.jpg" {
		t.Fatalf("unexpected storage key %q", page.StorageKey)
	}
	updated, _, _ := st.GetBook("b1")
	if updated.TotalPages != 3 {
		t.Fatalf("expected total pages persisted as 3, got %d", updated.TotalPages)
	}

	count, err = p.EnsurePagesBuilt(context.Background(), book)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 pages on repeat, got %d", count)
	}
	if renderer.calls.Load() != 1 {
		t.Fatalf("expected exactly one render, got %d", renderer.calls.Load())
	}
}

func TestEnsurePagesBuiltConcurrentCallsCollapse(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	renderer := &fakeRenderer{pages: 5}
	p := New(Config{Store: st, Objects: objects, Renderer: renderer})
	book := seedBook(t, st, objects, "b1")

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	counts := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := p.EnsurePagesBuilt(context.Background(), book)
			errs <- err
			counts <- count
		}()
	}
	wg.Wait()
	close(errs)
	close(counts)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent build: %v", err)
		}
	}
	for count := range counts {
		if count != 5 {
			t.Fatalf("expected every caller to see 5 pages, got %d", count)
		}
	}
	if renderer.calls.Load() != 1 {
		t.Fatalf("expected a single render across %d callers, got %d", callers, renderer.calls.Load())
	}
}

func TestEnsurePagesBuiltRenderFailureLeavesNoRows(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	renderer := &fakeRenderer{err: errors.New("page 9 is corrupt")}
	p := New(Config{Store: st, Objects: objects, Renderer: renderer})
	book := seedBook(t, st, objects, "b1")

	if _, err := p.EnsurePagesBuilt(context.Background(), book); err == nil {
		t.Fatal("expected render failure to surface")
	}
	count, err := st.CountPages("b1")
	if err != nil {
		t.Fatalf("count pages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no page rows after failed build, got %d", count)
	}
	updated, _, _ := st.GetBook("b1")
	if updated.TotalPages != 0 {
		t.Fatalf("expected total pages untouched after failed build, got %d", updated.TotalPages)
	}

	// The same book builds fine once the source renders.
	renderer.err = nil
	renderer.pages = 2
	count, err = p.EnsurePagesBuilt(context.Background(), book)
	if err != nil {
		t.Fatalf("retry build: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pages after retry, got %d", count)
	}
}

func TestEnsurePagesBuiltMissingSource(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	p := New(Config{Store: st, Objects: objects, Renderer: &fakeRenderer{pages: 1}})
	book := domain.Book{ID: "b1", Tier: domain.TierFree}
	if err := st.SaveBook(book); err != nil {
		t.Fatalf("save book: %v", err)
	}

	_, err := p.EnsurePagesBuilt(context.Background(), book)
	if !errors.Is(err, ErrNoSourcePDF) {
		t.Fatalf("expected ErrNoSourcePDF, got %v", err)
	}
}

// racingStore simulates a build in another process committing first:
// the insert hits the uniqueness constraint, after which the winner's
// rows are visible.
type racingStore struct {
	*store.MemoryStore
	winnerPages []domain.Page
	raced       atomic.Bool
}

func (r *racingStore) CreatePages(bookID string, pages []domain.Page, total int) error {
	if r.raced.CompareAndSwap(false, true) {
		if err := r.MemoryStore.CreatePages(bookID, r.winnerPages, len(r.winnerPages)); err != nil {
			return err
		}
		return store.ErrDuplicatePage
	}
	return r.MemoryStore.CreatePages(bookID, pages, total)
}

func TestEnsurePagesBuiltAdoptsRaceWinner(t *testing.T) {
	mem := store.NewMemoryStore()
	objects := newFakeObjects()
	renderer := &fakeRenderer{pages: 5}
	winner := make([]domain.Page, 0, 4)
	for i := 1; i <= 4; i++ {
		winner = append(winner, domain.Page{BookID: "b1", PageNumber: i, StorageKey: PageKey("", "b1", i, "jpg")})
	}
	st := &racingStore{MemoryStore: mem, winnerPages: winner}
	p := New(Config{Store: st, Objects: objects, Renderer: renderer})
	book := seedBook(t, mem, objects, "b1")

	count, err := p.EnsurePagesBuilt(context.Background(), book)
	if err != nil {
		t.Fatalf("expected lost race to resolve to winner's count, got error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected winner's 4 pages, got %d", count)
	}
}

func TestRebuildReplacesPages(t *testing.T) {
	st := store.NewMemoryStore()
	objects := newFakeObjects()
	renderer := &fakeRenderer{pages: 3}
	p := New(Config{Store: st, Objects: objects, Renderer: renderer})
	book := seedBook(t, st, objects, "b1")

	if _, err := p.EnsurePagesBuilt(context.Background(), book); err != nil {
		t.Fatalf("initial build: %v", err)
	}

	// New upload elsewhere changed the source; the rebuild picks it up.
	renderer.pages = 6
	count, err := p.Rebuild(context.Background(), book)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if count != 6 {
		t.Fatalf("expected 6 pages after rebuild, got %d", count)
	}
	stored, err := st.CountPages("b1")
	if err != nil {
		t.Fatalf("count pages: %v", err)
	}
	if stored != 6 {
		t.Fatalf("expected 6 rows after rebuild, got %d", stored)
	}
	if renderer.calls.Load() != 2 {
		t.Fatalf("expected two renders total, got %d", renderer.calls.Load())
	}
}
