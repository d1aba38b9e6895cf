package domain

import "time"

type BookTier string

const (
	TierFree    BookTier = "free"
	TierPremium BookTier = "premium"
)

// Gate names the unlock path offered to a blocked reader.
type Gate string

const (
	GatePay   Gate = "pay"
	GateShare Gate = "share"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type Book struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	Tier        BookTier  `json:"book_type"`
	TotalPages  int       `json:"total_pages"`
	PDFKey      string    `json:"-"`
	CoverKey    string    `json:"-"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Page is one rendered page image of a book. Pages are created only by
// the pagination pipeline and form a dense 1..TotalPages sequence.
type Page struct {
	BookID     string    `json:"book_id"`
	PageNumber int       `json:"page_number"`
	StorageKey string    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscription is the durable result of a completed payment. Only the
// existence of at least one unexpired row matters to the access policy.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the subscription grants access at the given instant.
func (s Subscription) Active(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// ShareUnlock marks that a user performed the share action that unlocks
// a free-tier book in full. Creation is idempotent; rows are never deleted.
type ShareUnlock struct {
	UserID    string    `json:"user_id"`
	BookID    string    `json:"book_id"`
	CreatedAt time.Time `json:"unlocked_at"`
}

type ReadingProgress struct {
	UserID          string    `json:"user_id"`
	BookID          string    `json:"book_id"`
	LastPage        int       `json:"last_page"`
	ProgressPercent int       `json:"progress_percent"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type User struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}
