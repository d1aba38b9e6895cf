package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"shelfread/pkg/domain"
)

const migrateLockID int64 = 48124812

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&BookModel{},
			&PageModel{},
			&SubscriptionModel{},
			&ShareUnlockModel{},
			&ReadingProgressModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'page_models'
					AND constraint_name = 'page_models_book_id_fkey'
				) THEN
					ALTER TABLE page_models
					ADD CONSTRAINT page_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure page foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "description", "tier", "pdf_key", "cover_key", "tags", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// CountPages returns the number of page rows for a book.
func (s *GormStore) CountPages(bookID string) (int, error) {
	var count int64
	if err := s.db.Model(&PageModel{}).Where("book_id = ?", bookID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetPage returns a single page by (book, page number).
func (s *GormStore) GetPage(bookID string, pageNumber int) (domain.Page, bool, error) {
	var model PageModel
	if err := s.db.Where("book_id = ? AND page_number = ?", bookID, pageNumber).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Page{}, false, nil
		}
		return domain.Page{}, false, err
	}
	return pageFromModel(model), true, nil
}

// CreatePages inserts all page rows and the book's total in one transaction.
// The composite unique index on (book_id, page_number) makes at most one
// concurrent build win; the loser sees ErrDuplicatePage.
func (s *GormStore) CreatePages(bookID string, pages []domain.Page, total int) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		models := make([]PageModel, 0, len(pages))
		for _, p := range pages {
			model := pageToModel(p)
			model.BookID = bookID
			models = append(models, model)
		}
		if len(models) > 0 {
			if err := tx.CreateInBatches(&models, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&BookModel{}).
			Where("id = ?", bookID).
			Updates(map[string]any{
				"total_pages": total,
				"updated_at":  time.Now().UTC(),
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicatePage
		}
		return err
	}
	return nil
}

// DeletePages removes all page rows for a book and resets its total.
func (s *GormStore) DeletePages(bookID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PageModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		return tx.Model(&BookModel{}).
			Where("id = ?", bookID).
			Updates(map[string]any{
				"total_pages": 0,
				"updated_at":  time.Now().UTC(),
			}).Error
	})
}

// SaveSubscription records a completed payment result.
func (s *GormStore) SaveSubscription(sub domain.Subscription) error {
	model := SubscriptionModel{
		ID:        sub.ID,
		UserID:    sub.UserID,
		ExpiresAt: sub.ExpiresAt.UTC(),
		CreatedAt: sub.CreatedAt,
	}
	return s.db.Create(&model).Error
}

// HasActiveSubscription reports whether the user holds any unexpired subscription.
func (s *GormStore) HasActiveSubscription(userID string, now time.Time) (bool, error) {
	var count int64
	if err := s.db.Model(&SubscriptionModel{}).
		Where("user_id = ? AND expires_at > ?", userID, now.UTC()).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// EnsureShareUnlock idempotently creates the (user, book) unlock row.
// The bool result is true only when a new row was created.
func (s *GormStore) EnsureShareUnlock(userID, bookID string) (domain.ShareUnlock, bool, error) {
	model := ShareUnlockModel{
		UserID:    userID,
		BookID:    bookID,
		CreatedAt: time.Now().UTC(),
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return domain.ShareUnlock{}, false, res.Error
	}
	created := res.RowsAffected > 0
	if !created {
		if err := s.db.Where("user_id = ? AND book_id = ?", userID, bookID).First(&model).Error; err != nil {
			return domain.ShareUnlock{}, false, err
		}
	}
	return shareUnlockFromModel(model), created, nil
}

// HasShareUnlock reports whether the user unlocked the book by sharing.
func (s *GormStore) HasShareUnlock(userID, bookID string) (bool, error) {
	var count int64
	if err := s.db.Model(&ShareUnlockModel{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertProgress records the last page visited for a (user, book) pair.
func (s *GormStore) UpsertProgress(p domain.ReadingProgress) error {
	model := ReadingProgressModel{
		UserID:          p.UserID,
		BookID:          p.BookID,
		LastPage:        p.LastPage,
		ProgressPercent: p.ProgressPercent,
		UpdatedAt:       p.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_page", "progress_percent", "updated_at"}),
	}).Create(&model).Error
}

// ListProgressByUser returns the user's progress entries, newest first.
func (s *GormStore) ListProgressByUser(userID string) ([]domain.ReadingProgress, error) {
	var models []ReadingProgressModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ReadingProgress, 0, len(models))
	for _, m := range models {
		res = append(res, domain.ReadingProgress{
			UserID:          m.UserID,
			BookID:          m.BookID,
			LastPage:        m.LastPage,
			ProgressPercent: m.ProgressPercent,
			UpdatedAt:       m.UpdatedAt,
		})
	}
	return res, nil
}

func bookToModel(b domain.Book) BookModel {
	rawTags, _ := json.Marshal(b.Tags)
	return BookModel{
		ID:          b.ID,
		Title:       b.Title,
		Author:      b.Author,
		Description: b.Description,
		Tier:        string(b.Tier),
		TotalPages:  b.TotalPages,
		PDFKey:      b.PDFKey,
		CoverKey:    b.CoverKey,
		Tags:        rawTags,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	tier := domain.BookTier(m.Tier)
	if tier == "" {
		tier = domain.TierFree
	}
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	return domain.Book{
		ID:          m.ID,
		Title:       m.Title,
		Author:      m.Author,
		Description: m.Description,
		Tier:        tier,
		TotalPages:  m.TotalPages,
		PDFKey:      m.PDFKey,
		CoverKey:    m.CoverKey,
		Tags:        tags,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func pageToModel(p domain.Page) PageModel {
	return PageModel{
		BookID:     p.BookID,
		PageNumber: p.PageNumber,
		StorageKey: p.StorageKey,
		Width:      p.Width,
		Height:     p.Height,
		CreatedAt:  p.CreatedAt,
	}
}

func pageFromModel(m PageModel) domain.Page {
	return domain.Page{
		BookID:     m.BookID,
		PageNumber: m.PageNumber,
		StorageKey: m.StorageKey,
		Width:      m.Width,
		Height:     m.Height,
		CreatedAt:  m.CreatedAt,
	}
}

func shareUnlockFromModel(m ShareUnlockModel) domain.ShareUnlock {
	return domain.ShareUnlock{
		UserID:    m.UserID,
		BookID:    m.BookID,
		CreatedAt: m.CreatedAt,
	}
}
