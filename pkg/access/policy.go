// Package access computes how far into a book a requester may read.
package access

import (
	"math"

	"shelfread/pkg/domain"
)

// Unbounded is the ceiling for books whose pagination has not been
// computed yet: nothing is restricted until a total page count exists.
const Unbounded = math.MaxInt32

const (
	premiumPreviewFraction = 0.10
	freePreviewFraction    = 0.05
)

// Requester carries the two pieces of per-user state the policy needs.
// Both are read fresh on every request; subscription and unlock state
// can change at any time, so ceilings are never cached.
type Requester struct {
	HasActiveSubscription bool
	HasShareUnlock        bool
}

// AllowedUntilPage returns the highest page number the requester may view.
//
// Premium books preview at 10% without an active subscription; free books
// preview at 5% without a share unlock. Fractions round up and at least
// one page is always allowed.
func AllowedUntilPage(book domain.Book, req Requester) int {
	if book.TotalPages <= 0 {
		return Unbounded
	}
	switch book.Tier {
	case domain.TierPremium:
		if req.HasActiveSubscription {
			return book.TotalPages
		}
		return previewCeiling(book.TotalPages, premiumPreviewFraction)
	default:
		if req.HasShareUnlock {
			return book.TotalPages
		}
		return previewCeiling(book.TotalPages, freePreviewFraction)
	}
}

// GateFor names the unlock path that applies past the ceiling.
func GateFor(tier domain.BookTier) domain.Gate {
	if tier == domain.TierPremium {
		return domain.GatePay
	}
	return domain.GateShare
}

func previewCeiling(total int, fraction float64) int {
	ceiling := int(math.Ceil(float64(total) * fraction))
	if ceiling < 1 {
		ceiling = 1
	}
	return ceiling
}
