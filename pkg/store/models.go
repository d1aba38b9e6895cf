package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID          string `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Author      string
	Description string `gorm:"type:text"`
	Tier        string `gorm:"not null"`
	TotalPages  int    `gorm:"not null;default:0"`
	PDFKey      string
	CoverKey    string
	Tags        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

type PageModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	BookID     string `gorm:"not null;uniqueIndex:idx_book_page,priority:1"`
	PageNumber int    `gorm:"not null;uniqueIndex:idx_book_page,priority:2"`
	StorageKey string `gorm:"not null"`
	Width      int    `gorm:"not null;default:0"`
	Height     int    `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
}

type SubscriptionModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

type ShareUnlockModel struct {
	UserID    string    `gorm:"primaryKey"`
	BookID    string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

type ReadingProgressModel struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	UserID          string `gorm:"not null;uniqueIndex:idx_user_book,priority:1"`
	BookID          string `gorm:"not null;uniqueIndex:idx_user_book,priority:2"`
	LastPage        int    `gorm:"not null;default:1"`
	ProgressPercent int    `gorm:"not null;default:0"`
	UpdatedAt       time.Time `gorm:"not null"`
}
