// Package supervisor runs tunnel restarts one at a time, at a fixed cadence.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/tunnelclient/internal/obs"
)

// DefaultDelay is the pause between two drain attempts.
const DefaultDelay = 2 * time.Second

// Action restarts one tunnel.
type Action func(ctx context.Context) error

type entry struct {
	key    string
	action Action
}

// Supervisor is a FIFO queue of restart actions drained by Run. A key that
// already has an action waiting is not queued twice.
type Supervisor struct {
	delay time.Duration

	mu     sync.Mutex
	queue  []entry
	queued map[string]struct{}
}

func New(delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Supervisor{delay: delay, queued: map[string]struct{}{}}
}

// Enqueue appends a restart for key. It reports false, and drops a, when a
// restart for key is still waiting.
func (s *Supervisor) Enqueue(key string, a Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.queued[key]; dup {
		obs.Debug("supervisor.duplicate", obs.Fields{"tunnel": key})
		return false
	}
	s.queued[key] = struct{}{}
	s.queue = append(s.queue, entry{key: key, action: a})
	obs.ReconnectQueueSize.Set(float64(len(s.queue)))
	return true
}

// Len is the number of waiting actions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Supervisor) pop() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return entry{}, false
	}
	e := s.queue[0]
	s.queue[0] = entry{}
	s.queue = s.queue[1:]
	delete(s.queued, e.key)
	obs.ReconnectQueueSize.Set(float64(len(s.queue)))
	return e, true
}

// Run drains the queue until ctx is done: every delay it pops at most one
// action and runs it, whatever the previous action's outcome.
func (s *Supervisor) Run(ctx context.Context) error {
	t := time.NewTimer(s.delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if e, ok := s.pop(); ok {
			s.exec(ctx, e)
		}
		t.Reset(s.delay)
	}
}

func (s *Supervisor) exec(ctx context.Context, e entry) {
	obs.Info("supervisor.restart", obs.Fields{"tunnel": e.key})
	obs.RestartsTotal.WithLabelValues(e.key).Inc()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("restart panicked: %v", r)
			}
		}()
		return e.action(ctx)
	}()
	if err != nil {
		obs.Error("supervisor.restart_failed", obs.Fields{"tunnel": e.key, "err": err})
	}
}
