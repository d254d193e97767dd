// README: Rating service validates and records one rating per trip.
package rating

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"propmove/internal/types"
)

var (
	ErrInvalidStars   = errors.New("stars must be between 1 and 5")
	ErrAlreadyRated   = errors.New("trip already rated")
	ErrDriverNotFound = errors.New("driver profile not found")
)

const maxCommentLen = 1000

type Store interface {
	// Submit inserts the rating and folds it into the driver's aggregate atomically.
	Submit(ctx context.Context, r Rating) (Aggregate, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, r Rating) (Aggregate, error) {
	if r.Stars < 1 || r.Stars > 5 {
		return Aggregate{}, ErrInvalidStars
	}
	r.Comment = strings.TrimSpace(r.Comment)
	r.Comment = truncateUTF8(r.Comment, maxCommentLen)
	if r.ID == "" {
		r.ID = types.ID(uuid.NewString())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	return s.store.Submit(ctx, r)
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
