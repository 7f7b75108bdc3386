package tokencache

import (
	"context"
	"sort"
	"time"
)

// Entry is a previously obtained session token and when it was acquired.
type Entry struct {
	Token      string
	AcquiredAt time.Time
}

// Cache holds session tokens obtained from humans so that a (re)starting
// tunnel can try them before prompting again. Implementations must be safe
// for concurrent use.
type Cache interface {
	Put(ctx context.Context, token string, at time.Time) error
	Delete(ctx context.Context, token string) error
	// Entries returns every token, oldest first. The order is stable for a
	// given content so repeated scans try tokens in the same sequence.
	Entries(ctx context.Context) ([]Entry, error)
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].AcquiredAt.Equal(es[j].AcquiredAt) {
			return es[i].Token < es[j].Token
		}
		return es[i].AcquiredAt.Before(es[j].AcquiredAt)
	})
}
