package feedback

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"commandcenter/internal/domain"
	"commandcenter/internal/interpret"
	"commandcenter/internal/repo"
)

const defaultHintUsers = 1024

// Hints derives interpretation hints from a user's recent modifications and
// caches them per user.
type Hints struct {
	repo  repo.Repo
	limit int
	cache *lru.Cache[string, []interpret.Hint]

	// gen counts invalidations per user; a read only fills the cache when
	// no invalidation happened while it ran.
	mu  sync.Mutex
	gen map[string]uint64

	afterRead func()
}

func NewHints(r repo.Repo, limit int) (*Hints, error) {
	if limit <= 0 {
		limit = 10
	}
	cache, err := lru.New[string, []interpret.Hint](defaultHintUsers)
	if err != nil {
		return nil, err
	}
	return &Hints{repo: r, limit: limit, cache: cache, gen: map[string]uint64{}}, nil
}

// For returns up to limit hints, newest modification first.
func (h *Hints) For(ctx context.Context, userID string) ([]interpret.Hint, error) {
	if hints, ok := h.cache.Get(userID); ok {
		return hints, nil
	}
	h.mu.Lock()
	gen := h.gen[userID]
	h.mu.Unlock()
	recs, err := h.repo.ListFeedback(ctx, repo.FeedbackFilter{
		UserID: userID,
		Action: domain.ActionModified,
		Limit:  h.limit,
	})
	if err != nil {
		return nil, err
	}
	var hints []interpret.Hint
	for _, rec := range recs {
		fields := make([]string, 0, len(rec.Diff))
		for f := range rec.Diff {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if len(hints) == h.limit {
				break
			}
			ch := rec.Diff[f]
			hints = append(hints, interpret.Hint{Type: rec.DraftType, Field: f, From: ch.From, To: ch.To})
		}
	}
	if h.afterRead != nil {
		h.afterRead()
	}
	h.mu.Lock()
	if h.gen[userID] == gen {
		h.cache.Add(userID, hints)
	}
	h.mu.Unlock()
	return hints, nil
}

func (h *Hints) Invalidate(userID string) {
	h.mu.Lock()
	h.gen[userID]++
	h.cache.Remove(userID)
	h.mu.Unlock()
}
