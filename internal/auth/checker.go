package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/proto"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

// Checker verifies that one set of credentials still grants access.
type Checker struct {
	client  *http.Client
	remote  string
	auth    Context
	timeout time.Duration
}

// NewChecker binds a checker to remote and the given auth material.
func NewChecker(client *http.Client, remote string, auth Context, timeout time.Duration) *Checker {
	return &Checker{client: client, remote: remote, auth: auth.Clone(), timeout: timeout}
}

// Check issues one identity request. Success is a 200 with a JSON body;
// every other outcome is a *tunnel.AuthCheckError.
func (c *Checker) Check(ctx context.Context) (proto.Identity, error) {
	status, body, err := getIdentity(ctx, c.client, c.timeout, proto.MeURL(c.remote, c.auth.QueryFragment()), c.auth.Headers)
	if err != nil {
		obs.AuthChecksTotal.WithLabelValues("error").Inc()
		return nil, &tunnel.AuthCheckError{Status: status, Err: err}
	}
	if status != http.StatusOK {
		obs.AuthChecksTotal.WithLabelValues("denied").Inc()
		return nil, &tunnel.AuthCheckError{Status: status, Body: strings.TrimSpace(string(body))}
	}
	var id proto.Identity
	if err := json.Unmarshal(body, &id); err != nil {
		obs.AuthChecksTotal.WithLabelValues("error").Inc()
		return nil, &tunnel.AuthCheckError{Status: status, Err: fmt.Errorf("decode identity: %w", err)}
	}
	obs.AuthChecksTotal.WithLabelValues("ok").Inc()
	return id, nil
}

// Poll runs Check every interval, the first run one interval from now. The
// first failure stops the poll and calls onFailure exactly once. Once the
// returned cancel func has returned, onFailure is never invoked.
func (c *Checker) Poll(ctx context.Context, interval time.Duration, onFailure func(error)) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	var (
		mu      sync.Mutex
		stopped bool
	)
	cancel = func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		stop()
	}
	go func() {
		t := time.NewTimer(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if _, err := c.Check(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				mu.Lock()
				if stopped {
					mu.Unlock()
					return
				}
				stopped = true
				mu.Unlock()
				stop()
				onFailure(err)
				return
			}
			t.Reset(interval)
		}
	}()
	return cancel
}
