package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matst80/tunnelclient/internal/httpx"
	"github.com/matst80/tunnelclient/internal/keystore"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/proto"
	"github.com/matst80/tunnelclient/internal/tokencache"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

// State is a step of one resolution run.
type State int

const (
	Unresolved State = iota
	Probing
	Public
	APIKeyReady
	SessionPending
	SessionReady
	Failed
)

var stateNames = [...]string{"unresolved", "probing", "public", "apikey-ready", "session-pending", "session-ready", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// TokenPrompter obtains a session token from a human. loginURL is the page
// where the token can be obtained.
type TokenPrompter interface {
	PromptForSessionToken(ctx context.Context, sessionID, loginURL string) (string, error)
}

// Deps are the collaborators shared by every resolution run.
type Deps struct {
	Client   *http.Client
	Timeout  time.Duration
	Cache    tokencache.Cache
	Keys     keystore.Table
	Prompter TokenPrompter
	Now      func() time.Time
}

// Resolution is the outcome of a successful run.
type Resolution struct {
	Access tunnel.AccessType
	Auth   Context
	State  State
}

// Resolver turns one tunnel spec into ready-to-use auth material. A
// Resolver is single-use; restarts build a new one.
type Resolver struct {
	deps Deps
	spec tunnel.Spec

	mu    sync.Mutex
	state State
	trail []State
}

func NewResolver(spec tunnel.Spec, deps Deps) *Resolver {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Resolver{deps: deps, spec: spec, trail: []State{Unresolved}}
}

// State is the current state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Trail lists every state visited, in order.
func (r *Resolver) Trail() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.trail...)
}

func (r *Resolver) set(s State) {
	r.mu.Lock()
	r.state = s
	r.trail = append(r.trail, s)
	r.mu.Unlock()
}

func (r *Resolver) fail(err error) (Resolution, error) {
	r.set(Failed)
	return Resolution{State: Failed}, err
}

// Resolve runs the state machine to completion.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	base := httpx.Headers{}
	if r.spec.Host != "" {
		base.Set("Host", r.spec.Host)
	}
	access := r.spec.Access
	if access == tunnel.AccessUnset {
		r.set(Probing)
		p := &Prober{Client: r.deps.Client, Timeout: r.deps.Timeout}
		a, err := p.Probe(ctx, r.spec.Remote, base)
		if err != nil {
			return r.fail(fmt.Errorf("tunnel %s: %w", r.spec.Name, err))
		}
		obs.Info("auth.probe.classified", obs.Fields{"tunnel": r.spec.Name, "access": string(a)})
		access = a
	}
	switch access {
	case tunnel.AccessPublic:
		r.set(Public)
		return Resolution{Access: access, Auth: Context{Headers: base}, State: Public}, nil
	case tunnel.AccessAPIKey:
		return r.resolveAPIKey(base)
	case tunnel.AccessSession:
		return r.resolveSession(ctx, base)
	}
	return r.fail(fmt.Errorf("tunnel %s: %w", r.spec.Name, tunnel.ErrAuthClassification))
}

func (r *Resolver) resolveAPIKey(headers httpx.Headers) (Resolution, error) {
	key := r.spec.APIKey
	if key == "" && r.spec.APIKeyRef != "" && r.deps.Keys != nil {
		key, _ = r.deps.Keys.Lookup(r.spec.APIKeyRef)
	}
	if key == "" {
		return r.fail(fmt.Errorf("tunnel %s: %w", r.spec.Name, tunnel.ErrMissingAPIKey))
	}
	if strings.Contains(key, ":") {
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(key)))
	} else {
		name := r.spec.APIKeyHeader
		if name == "" {
			name = tunnel.DefaultAPIKeyHeader
		}
		headers.Set(name, key)
	}
	r.set(APIKeyReady)
	return Resolution{Access: tunnel.AccessAPIKey, Auth: Context{Headers: headers}, State: APIKeyReady}, nil
}

func (r *Resolver) resolveSession(ctx context.Context, headers httpx.Headers) (Resolution, error) {
	if token, ok := r.reuseToken(ctx, headers); ok {
		obs.Info("auth.session.reused", obs.Fields{"tunnel": r.spec.Name})
		r.set(SessionReady)
		return Resolution{Access: tunnel.AccessSession, Auth: Context{Headers: headers, SessionToken: token}, State: SessionReady}, nil
	}
	if err := ctx.Err(); err != nil {
		return r.fail(err)
	}
	r.set(SessionPending)
	if r.deps.Prompter == nil {
		return r.fail(fmt.Errorf("tunnel %s: session token required and no prompter configured", r.spec.Name))
	}
	token, err := r.deps.Prompter.PromptForSessionToken(ctx, r.spec.Name, proto.LoginURL(r.spec.Remote))
	if err != nil {
		return r.fail(fmt.Errorf("tunnel %s: session prompt: %w", r.spec.Name, err))
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return r.fail(fmt.Errorf("tunnel %s: empty session token", r.spec.Name))
	}
	if r.deps.Cache != nil {
		if err := r.deps.Cache.Put(ctx, token, r.deps.Now()); err != nil {
			obs.Error("auth.session.cache_put", obs.Fields{"tunnel": r.spec.Name, "err": err.Error()})
		}
	}
	r.set(SessionReady)
	return Resolution{Access: tunnel.AccessSession, Auth: Context{Headers: headers, SessionToken: token}, State: SessionReady}, nil
}

// reuseToken tries every cached token in cache order and returns the first
// one the gateway still accepts.
func (r *Resolver) reuseToken(ctx context.Context, headers httpx.Headers) (string, bool) {
	if r.deps.Cache == nil {
		return "", false
	}
	entries, err := r.deps.Cache.Entries(ctx)
	if err != nil {
		obs.Error("auth.session.cache_list", obs.Fields{"tunnel": r.spec.Name, "err": err.Error()})
		return "", false
	}
	for _, e := range entries {
		ch := NewChecker(r.deps.Client, r.spec.Remote, Context{Headers: headers, SessionToken: e.Token}, r.deps.Timeout)
		_, err := ch.Check(ctx)
		if err == nil {
			return e.Token, true
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return "", false
		}
	}
	return "", false
}
