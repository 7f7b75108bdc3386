// Package manager starts every configured tunnel and keeps it alive: a
// tunnel whose credentials stop working is torn down and queued for restart.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/tunnelclient/internal/auth"
	"github.com/matst80/tunnelclient/internal/bridge"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/supervisor"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

// DefaultStartDelay separates two tunnel starts.
const DefaultStartDelay = 10 * time.Millisecond

var errStopped = errors.New("manager stopped")

// Deps wires the manager to its collaborators.
type Deps struct {
	Auth       auth.Deps
	Dialer     *websocket.Dialer
	Supervisor *supervisor.Supervisor
	StartDelay time.Duration
	// DefaultRemote is used by specs that do not name a remote.
	DefaultRemote string
	OnConnections func(tunnel string, active int)
}

// Status is a point-in-time view of one running tunnel.
type Status struct {
	Name      string            `json:"name"`
	Transport tunnel.Transport  `json:"transport"`
	Local     string            `json:"local"`
	Remote    string            `json:"remote"`
	Target    string            `json:"target"`
	Access    tunnel.AccessType `json:"access"`
	Active    int               `json:"active"`
	Since     time.Time         `json:"since"`
}

type running struct {
	spec       tunnel.Spec
	res        auth.Resolution
	bridge     *bridge.Bridge
	cancelPoll func()
	since      time.Time
}

// Manager owns the set of running tunnels.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	ctx     context.Context
	tunnels map[string]*running
	stopped bool
}

func New(deps Deps) *Manager {
	if deps.Supervisor == nil {
		deps.Supervisor = supervisor.New(supervisor.DefaultDelay)
	}
	if deps.StartDelay <= 0 {
		deps.StartDelay = DefaultStartDelay
	}
	return &Manager{deps: deps, ctx: context.Background(), tunnels: map[string]*running{}}
}

// Start launches every active spec in order. A failing tunnel is logged and
// skipped; ErrNoActiveTunnels is returned only when none started.
func (m *Manager) Start(ctx context.Context, specs []tunnel.Spec) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	started := 0
	for i, s := range specs {
		if !s.Active() {
			obs.Debug("tunnel.disabled", obs.Fields{"tunnel": s.Name})
			continue
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.deps.StartDelay):
			}
		}
		if s.Remote == "" {
			s.Remote = m.deps.DefaultRemote
		}
		s = s.Normalize()
		if err := s.Validate(); err != nil {
			obs.Error("tunnel.invalid", obs.Fields{"tunnel": s.Name, "err": err})
			continue
		}
		if err := m.launch(ctx, s); err != nil {
			obs.Error("tunnel.start_failed", obs.Fields{"tunnel": s.Name, "err": err})
			continue
		}
		started++
	}
	if started == 0 {
		return tunnel.ErrNoActiveTunnels
	}
	return nil
}

// launch runs resolve, check, listen and poll for one spec.
func (m *Manager) launch(ctx context.Context, spec tunnel.Spec) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errStopped
	}
	if _, dup := m.tunnels[spec.Name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("tunnel %s: already running", spec.Name)
	}
	m.mu.Unlock()

	obs.Info("tunnel.start", obs.Fields{"tunnel": spec.Name, "remote": spec.Remote, "transport": string(spec.Transport), "access": string(spec.Access)})
	res, err := auth.NewResolver(spec, m.deps.Auth).Resolve(ctx)
	if err != nil {
		return err
	}

	var checker *auth.Checker
	if res.Access != tunnel.AccessPublic {
		checker = auth.NewChecker(m.deps.Auth.Client, spec.Remote, res.Auth, m.deps.Auth.Timeout)
		if _, err := checker.Check(ctx); err != nil {
			m.forgetToken(res)
			return fmt.Errorf("tunnel %s: %w", spec.Name, err)
		}
	}

	b, err := bridge.Start(ctx, bridge.Config{
		Spec:          spec,
		Auth:          res.Auth,
		Dialer:        m.deps.Dialer,
		OnConnections: m.deps.OnConnections,
	})
	if err != nil {
		return fmt.Errorf("tunnel %s: %w", spec.Name, err)
	}

	rt := &running{spec: b.Spec(), res: res, bridge: b, cancelPoll: func() {}, since: time.Now()}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = b.Close()
		return errStopped
	}
	if _, dup := m.tunnels[spec.Name]; dup {
		m.mu.Unlock()
		_ = b.Close()
		return fmt.Errorf("tunnel %s: already running", spec.Name)
	}
	m.tunnels[spec.Name] = rt
	if checker != nil {
		rt.cancelPoll = checker.Poll(ctx, spec.PollInterval(), func(err error) { m.livenessFailed(rt, err) })
	}
	m.mu.Unlock()
	obs.Info("tunnel.ready", obs.Fields{"tunnel": spec.Name, "addr": b.Addr().String(), "access": string(res.Access)})
	return nil
}

// livenessFailed tears rt down and queues its restart with the access type
// pinned. The stale session token is gone before the restart can run.
func (m *Manager) livenessFailed(rt *running, cause error) {
	name := rt.spec.Name
	m.mu.Lock()
	if m.tunnels[name] != rt {
		m.mu.Unlock()
		return
	}
	delete(m.tunnels, name)
	stopped := m.stopped
	m.mu.Unlock()

	obs.Warn("tunnel.liveness_failed", obs.Fields{"tunnel": name, "err": cause})
	rt.cancelPoll()
	_ = rt.bridge.Close()
	m.forgetToken(rt.res)
	if stopped {
		return
	}
	m.scheduleRestart(rt.spec.WithAccess(rt.res.Access))
}

func (m *Manager) scheduleRestart(spec tunnel.Spec) {
	queued := m.deps.Supervisor.Enqueue(spec.Name, func(context.Context) error {
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.launch(ctx, spec)
		if err != nil && errors.Is(err, tunnel.ErrAuthCheck) {
			m.scheduleRestart(spec)
		}
		return err
	})
	if queued {
		obs.Info("tunnel.restart_queued", obs.Fields{"tunnel": spec.Name})
	}
}

func (m *Manager) forgetToken(res auth.Resolution) {
	if res.Access != tunnel.AccessSession || res.Auth.SessionToken == "" || m.deps.Auth.Cache == nil {
		return
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if err := m.deps.Auth.Cache.Delete(context.WithoutCancel(ctx), res.Auth.SessionToken); err != nil {
		obs.Error("auth.session.cache_delete", obs.Fields{"err": err})
	}
}

// Stop closes every running tunnel. Later calls are no-ops.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	live := make([]*running, 0, len(m.tunnels))
	for name, rt := range m.tunnels {
		live = append(live, rt)
		delete(m.tunnels, name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, rt := range live {
		rt := rt
		g.Go(func() error {
			rt.cancelPoll()
			return rt.bridge.Close()
		})
	}
	err := g.Wait()
	obs.Info("manager.stopped", obs.Fields{"tunnels": len(live)})
	return err
}

// Ready reports whether at least one tunnel is running.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && len(m.tunnels) > 0
}

// Status lists running tunnels sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.tunnels))
	for _, rt := range m.tunnels {
		target := rt.spec.RemoteHost
		if rt.spec.RemotePort != "" {
			target += ":" + rt.spec.RemotePort
		}
		out = append(out, Status{
			Name:      rt.spec.Name,
			Transport: rt.spec.Transport,
			Local:     rt.bridge.Addr().String(),
			Remote:    rt.spec.Remote,
			Target:    target,
			Access:    rt.res.Access,
			Active:    rt.bridge.Active(),
			Since:     rt.since,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
