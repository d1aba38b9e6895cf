package store

import (
	"errors"
	"time"

	"shelfread/pkg/domain"
)

// ErrDuplicatePage is returned when a page insert collides with an
// existing (book_id, page_number) row. The pipeline treats it as a lost
// build race, not a failure.
var ErrDuplicatePage = errors.New("page already exists")

// Store defines persistence operations for books, pages, subscriptions,
// share unlocks, and reading progress.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)

	// pages
	CountPages(bookID string) (int, error)
	GetPage(bookID string, pageNumber int) (domain.Page, bool, error)
	// CreatePages inserts all page rows and sets the book's total page
	// count in a single transaction. Returns ErrDuplicatePage when a
	// concurrent build already committed rows for the book.
	CreatePages(bookID string, pages []domain.Page, total int) error
	// DeletePages removes every page row for the book and resets its
	// total page count in a single transaction.
	DeletePages(bookID string) error

	// subscriptions (written by payment completion, read by the policy)
	SaveSubscription(domain.Subscription) error
	HasActiveSubscription(userID string, now time.Time) (bool, error)

	// share unlocks
	EnsureShareUnlock(userID, bookID string) (domain.ShareUnlock, bool, error)
	HasShareUnlock(userID, bookID string) (bool, error)

	// reading progress
	UpsertProgress(domain.ReadingProgress) error
	ListProgressByUser(userID string) ([]domain.ReadingProgress, error)
}
