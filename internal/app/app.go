package app

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"mime"
	"path"
	"strings"
	"time"

	"shelfread/internal/util"
	"shelfread/pkg/access"
	"shelfread/pkg/domain"
	"shelfread/pkg/pagination"
	"shelfread/pkg/pdfinfo"
	"shelfread/pkg/storage"
	"shelfread/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store         store.Store
	Objects       storage.ObjectStore
	Pipeline      *pagination.Pipeline
	PresignExpiry time.Duration
	Now           func() time.Time
}

// App ties the pagination pipeline, access policy, object storage, and
// progress bookkeeping into the reading gateway operations.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	pipeline      *pagination.Pipeline
	presignExpiry time.Duration
	now           func() time.Time
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pagination pipeline required")
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		pipeline:      cfg.Pipeline,
		presignExpiry: presignExpiry,
		now:           now,
	}, nil
}

// PageResult is the outcome of a page request: either the readable page
// with its signed URLs, or a blocked verdict carrying the unlock path.
type PageResult struct {
	Blocked          bool            `json:"blocked"`
	Gate             domain.Gate     `json:"gate,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	BookID           string          `json:"book_id"`
	Title            string          `json:"title"`
	Tier             domain.BookTier `json:"book_type"`
	PageNumber       int             `json:"page_number"`
	TotalPages       int             `json:"total_pages"`
	AllowedUntilPage int             `json:"allowed_until_page"`
	PageImageURL     string          `json:"page_image,omitempty"`
	CoverURL         string          `json:"cover_url,omitempty"`
	Subscribed       bool            `json:"subscribed"`
	Unlocked         bool            `json:"unlocked"`
}

// GetPage serves one page of a book to a requester: it ensures pages are
// built, evaluates the access ceiling fresh, resolves signed URLs, and
// records reading progress. Blocked is a normal outcome, not an error.
func (a *App) GetPage(ctx context.Context, requesterID, bookID string, pageNumber int) (PageResult, error) {
	if strings.TrimSpace(requesterID) == "" {
		return PageResult{}, ErrAuthRequired
	}
	if pageNumber < 1 {
		return PageResult{}, fmt.Errorf("%w: page number must be >= 1", ErrValidation)
	}
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return PageResult{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return PageResult{}, ErrBookNotFound
	}

	total, err := a.pipeline.EnsurePagesBuilt(ctx, book)
	if err != nil {
		return PageResult{}, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	// The book row may predate the build that just completed.
	book.TotalPages = total

	requester, err := a.requesterState(requesterID, book.ID)
	if err != nil {
		return PageResult{}, err
	}
	ceiling := access.AllowedUntilPage(book, requester)
	result := PageResult{
		BookID:           book.ID,
		Title:            book.Title,
		Tier:             book.Tier,
		PageNumber:       pageNumber,
		TotalPages:       book.TotalPages,
		AllowedUntilPage: ceiling,
		Subscribed:       requester.HasActiveSubscription,
		Unlocked:         requester.HasShareUnlock,
	}

	if pageNumber > ceiling {
		result.Blocked = true
		result.Gate = access.GateFor(book.Tier)
		result.Reason = gateReason(result.Gate)
		result.CoverURL = a.coverURL(ctx, book)
		return result, nil
	}

	page, ok, err := a.store.GetPage(book.ID, pageNumber)
	if err != nil {
		return PageResult{}, fmt.Errorf("get page: %w", err)
	}
	if !ok {
		return PageResult{}, ErrPageNotFound
	}

	pageURL, err := a.objects.PresignGet(ctx, page.StorageKey, a.presignExpiry)
	if err != nil {
		return PageResult{}, fmt.Errorf("%w: presign page: %v", ErrStorageUnavailable, err)
	}
	result.PageImageURL = pageURL
	result.CoverURL = a.coverURL(ctx, book)

	if err := a.recordProgress(requesterID, book.ID, pageNumber, book.TotalPages); err != nil {
		// Progress is observational; losing one update never fails a read.
		util.LoggerFromContext(ctx).Warn("record progress failed", "book_id", book.ID, "err", err)
	}
	return result, nil
}

// UnlockShare idempotently records the share action that grants a user
// full access to a free-tier book. The bool result reports whether a new
// unlock row was created on this call.
func (a *App) UnlockShare(ctx context.Context, requesterID, bookID string) (domain.ShareUnlock, bool, error) {
	if strings.TrimSpace(requesterID) == "" {
		return domain.ShareUnlock{}, false, ErrAuthRequired
	}
	_, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.ShareUnlock{}, false, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.ShareUnlock{}, false, ErrBookNotFound
	}
	return a.store.EnsureShareUnlock(requesterID, bookID)
}

// BookSummary is a catalog entry with a signed cover URL.
type BookSummary struct {
	domain.Book
	CoverURL string `json:"cover_url,omitempty"`
}

// ListBooks returns the catalog with signed cover URLs.
func (a *App) ListBooks(ctx context.Context) ([]BookSummary, error) {
	books, err := a.store.ListBooks()
	if err != nil {
		return nil, err
	}
	res := make([]BookSummary, 0, len(books))
	for _, b := range books {
		res = append(res, BookSummary{Book: b, CoverURL: a.coverURL(ctx, b)})
	}
	return res, nil
}

// GetBook returns one catalog entry.
func (a *App) GetBook(ctx context.Context, id string) (BookSummary, bool, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil || !ok {
		return BookSummary{}, ok, err
	}
	return BookSummary{Book: book, CoverURL: a.coverURL(ctx, book)}, true, nil
}

// MyProgress returns the requester's reading progress, newest first.
func (a *App) MyProgress(requesterID string) ([]domain.ReadingProgress, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, ErrAuthRequired
	}
	return a.store.ListProgressByUser(requesterID)
}

// CreateBookInput carries an admin catalog upload.
type CreateBookInput struct {
	Title       string
	Author      string
	Description string
	Tier        domain.BookTier
	Tags        []string
	PDF         []byte
	CoverName   string
	Cover       []byte
}

// CreateBook validates and stores a new book's source PDF and cover.
// Pages build lazily on first read.
func (a *App) CreateBook(ctx context.Context, in CreateBookInput) (domain.Book, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Book{}, fmt.Errorf("%w: title required", ErrValidation)
	}
	if in.Tier != domain.TierFree && in.Tier != domain.TierPremium {
		return domain.Book{}, fmt.Errorf("%w: book type must be free or premium", ErrValidation)
	}
	if len(in.PDF) == 0 {
		return domain.Book{}, fmt.Errorf("%w: pdf file required", ErrValidation)
	}
	if _, err := pdfinfo.Inspect(in.PDF); err != nil {
		return domain.Book{}, fmt.Errorf("%w: unreadable pdf: %v", ErrValidation, err)
	}

	id := util.NewID()
	now := a.now()
	book := domain.Book{
		ID:          id,
		Title:       title,
		Author:      strings.TrimSpace(in.Author),
		Description: strings.TrimSpace(in.Description),
		Tier:        in.Tier,
		Tags:        in.Tags,
		PDFKey:      path.Join("pdfs", id, "source.pdf"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.putBytes(ctx, book.PDFKey, in.PDF, "application/pdf"); err != nil {
		return domain.Book{}, fmt.Errorf("upload pdf: %w", err)
	}
	if len(in.Cover) > 0 {
		ext := strings.ToLower(path.Ext(in.CoverName))
		if ext == "" {
			ext = ".jpg"
		}
		contentType := mime.TypeByExtension(ext)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		book.CoverKey = path.Join("covers", id+ext)
		if err := a.putBytes(ctx, book.CoverKey, in.Cover, contentType); err != nil {
			return domain.Book{}, fmt.Errorf("upload cover: %w", err)
		}
	}
	if err := a.store.SaveBook(book); err != nil {
		_ = a.objects.Delete(ctx, book.PDFKey)
		if book.CoverKey != "" {
			_ = a.objects.Delete(ctx, book.CoverKey)
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// RebuildBook drops and re-renders all pages of a book.
func (a *App) RebuildBook(ctx context.Context, bookID string) (int, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return 0, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return 0, ErrBookNotFound
	}
	count, err := a.pipeline.Rebuild(ctx, book)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return count, nil
}

// RecordSubscription stores a completed payment's subscription grant.
// Called only via the internal, service-token-guarded endpoint.
func (a *App) RecordSubscription(userID string, expiresAt time.Time) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if !expiresAt.After(a.now()) {
		return domain.Subscription{}, fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	sub := domain.Subscription{
		ID:        util.NewID(),
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: a.now(),
	}
	if err := a.store.SaveSubscription(sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("save subscription: %w", err)
	}
	return sub, nil
}

func gateReason(gate domain.Gate) string {
	if gate == domain.GatePay {
		return "subscription required to continue reading"
	}
	return "share this book to continue reading"
}

func (a *App) requesterState(requesterID, bookID string) (access.Requester, error) {
	subscribed, err := a.store.HasActiveSubscription(requesterID, a.now())
	if err != nil {
		return access.Requester{}, fmt.Errorf("check subscription: %w", err)
	}
	unlocked, err := a.store.HasShareUnlock(requesterID, bookID)
	if err != nil {
		return access.Requester{}, fmt.Errorf("check share unlock: %w", err)
	}
	return access.Requester{
		HasActiveSubscription: subscribed,
		HasShareUnlock:        unlocked,
	}, nil
}

func (a *App) recordProgress(userID, bookID string, page, total int) error {
	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(page) / float64(total) * 100))
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return a.store.UpsertProgress(domain.ReadingProgress{
		UserID:          userID,
		BookID:          bookID,
		LastPage:        page,
		ProgressPercent: percent,
		UpdatedAt:       a.now(),
	})
}

func (a *App) coverURL(ctx context.Context, book domain.Book) string {
	if strings.TrimSpace(book.CoverKey) == "" {
		return ""
	}
	url, err := a.objects.PresignGet(ctx, book.CoverKey, a.presignExpiry)
	if err != nil {
		return ""
	}
	return url
}

func (a *App) putBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}
