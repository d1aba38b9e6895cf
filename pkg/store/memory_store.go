package store

import (
	"sort"
	"sync"
	"time"

	"shelfread/pkg/domain"
)

type unlockKey struct {
	userID string
	bookID string
}

type pageKey struct {
	bookID string
	number int
}

// MemoryStore keeps all state in-process. It mirrors GormStore semantics,
// including the (book, page) uniqueness guarantee, and is used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	books    map[string]domain.Book
	order    []string
	pages    map[pageKey]domain.Page
	subs     map[string][]domain.Subscription // by user ID
	unlocks  map[unlockKey]domain.ShareUnlock
	progress map[unlockKey]domain.ReadingProgress
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[string]domain.Book),
		pages:    make(map[pageKey]domain.Page),
		subs:     make(map[string][]domain.Subscription),
		unlocks:  make(map[unlockKey]domain.ShareUnlock),
		progress: make(map[unlockKey]domain.ReadingProgress),
	}
}

// SaveBook stores or replaces a book and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.books[b.ID]; ok {
		// tier/keys/metadata updates never clobber the built page count
		b.TotalPages = existing.TotalPages
	} else {
		m.order = append(m.order, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.order))
	for _, id := range m.order {
		if b, ok := m.books[id]; ok {
			res = append(res, b)
		}
	}
	return res, nil
}

func (m *MemoryStore) CountPages(bookID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for k := range m.pages {
		if k.bookID == bookID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetPage(bookID string, pageNumber int) (domain.Page, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageKey{bookID: bookID, number: pageNumber}]
	return p, ok, nil
}

// CreatePages inserts pages atomically; any existing row for the book
// aborts the whole insert with ErrDuplicatePage.
func (m *MemoryStore) CreatePages(bookID string, pages []domain.Page, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pages {
		if _, exists := m.pages[pageKey{bookID: bookID, number: p.PageNumber}]; exists {
			return ErrDuplicatePage
		}
	}
	for _, p := range pages {
		p.BookID = bookID
		m.pages[pageKey{bookID: bookID, number: p.PageNumber}] = p
	}
	book, ok := m.books[bookID]
	if ok {
		book.TotalPages = total
		book.UpdatedAt = time.Now().UTC()
		m.books[bookID] = book
	}
	return nil
}

func (m *MemoryStore) DeletePages(bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.pages {
		if k.bookID == bookID {
			delete(m.pages, k)
		}
	}
	book, ok := m.books[bookID]
	if ok {
		book.TotalPages = 0
		book.UpdatedAt = time.Now().UTC()
		m.books[bookID] = book
	}
	return nil
}

func (m *MemoryStore) SaveSubscription(sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.UserID] = append(m.subs[sub.UserID], sub)
	return nil
}

func (m *MemoryStore) HasActiveSubscription(userID string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[userID] {
		if sub.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) EnsureShareUnlock(userID, bookID string) (domain.ShareUnlock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := unlockKey{userID: userID, bookID: bookID}
	if existing, ok := m.unlocks[key]; ok {
		return existing, false, nil
	}
	unlock := domain.ShareUnlock{
		UserID:    userID,
		BookID:    bookID,
		CreatedAt: time.Now().UTC(),
	}
	m.unlocks[key] = unlock
	return unlock, true, nil
}

func (m *MemoryStore) HasShareUnlock(userID, bookID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.unlocks[unlockKey{userID: userID, bookID: bookID}]
	return ok, nil
}

func (m *MemoryStore) UpsertProgress(p domain.ReadingProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[unlockKey{userID: p.UserID, bookID: p.BookID}] = p
	return nil
}

func (m *MemoryStore) ListProgressByUser(userID string) ([]domain.ReadingProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.ReadingProgress
	for k, p := range m.progress {
		if k.userID == userID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}
