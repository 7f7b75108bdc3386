// Package bridge exposes one local TCP or UDP socket and carries every local
// flow over its own WebSocket to the gateway's tunnel endpoint.
package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/tunnelclient/internal/auth"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/proto"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

const keepAlivePeriod = 60 * time.Second

// Config is everything a bridge needs. Auth is owned by the bridge.
type Config struct {
	Spec   tunnel.Spec
	Auth   auth.Context
	Dialer *websocket.Dialer
	// OnConnections, when set, observes the active flow count after every change.
	OnConnections func(tunnel string, active int)
}

// Bridge is a running tunnel listener.
type Bridge struct {
	spec   tunnel.Spec
	dialer *websocket.Dialer
	url    string
	header http.Header
	notify func(string, int)

	ctx    context.Context
	cancel context.CancelFunc

	ln net.Listener
	pc net.PacketConn

	mu      sync.Mutex
	closing bool
	flows   map[*flow]struct{}
	udp     *flow
	udpPeer net.Addr

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Start binds the local socket and begins accepting flows. The bridge runs
// until Close or until ctx is cancelled.
func Start(ctx context.Context, cfg Config) (*Bridge, error) {
	spec := cfg.Spec.Normalize()
	wsURL, err := proto.TunnelURL(spec.Remote, proto.TunnelQuery{
		RemoteHost: spec.RemoteHost,
		RemotePort: spec.RemotePort,
		Transport:  spec.Transport.Wire(),
	}, cfg.Auth.QueryFragment())
	if err != nil {
		return nil, err
	}
	if proto.IsInsecure(spec.Remote) {
		obs.Warn("tunnel.insecure", obs.Fields{"tunnel": spec.Name, "remote": spec.Remote, "suggest": proto.SecureAlternative(spec.Remote)})
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	b := &Bridge{
		spec:   spec,
		dialer: dialer,
		url:    wsURL,
		header: cfg.Auth.Clone().Headers.HTTPHeader(),
		notify: cfg.OnConnections,
		flows:  map[*flow]struct{}{},
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	lc := net.ListenConfig{KeepAlive: keepAlivePeriod}
	network, addr := spec.Transport.Network(), spec.LocalAddr()
	if spec.Transport.IsUDP() {
		b.pc, err = lc.ListenPacket(ctx, network, addr)
	} else {
		b.ln, err = lc.Listen(ctx, network, addr)
	}
	if err != nil {
		b.cancel()
		return nil, &tunnel.ListenError{Network: network, Addr: addr, Err: err}
	}

	obs.ActiveTunnels.Inc()
	obs.Info("tunnel.listen", obs.Fields{"tunnel": spec.Name, "network": network, "addr": b.Addr().String(), "remote": spec.Remote})
	b.wg.Add(1)
	if b.pc != nil {
		go b.servePackets()
	} else {
		go b.serveStream()
	}
	go func() {
		<-b.ctx.Done()
		_ = b.Close()
	}()
	return b, nil
}

// Addr is the bound local address.
func (b *Bridge) Addr() net.Addr {
	if b.pc != nil {
		return b.pc.LocalAddr()
	}
	return b.ln.Addr()
}

// Spec is the normalised spec the bridge runs.
func (b *Bridge) Spec() tunnel.Spec { return b.spec }

// Active is the number of live flows.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flows)
}

// Close stops the listener and every live flow. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.ln != nil {
			b.closeErr = b.ln.Close()
		}
		if b.pc != nil {
			b.closeErr = b.pc.Close()
		}
		b.mu.Lock()
		b.closing = true
		live := make([]*flow, 0, len(b.flows))
		for f := range b.flows {
			live = append(live, f)
		}
		b.mu.Unlock()
		for _, f := range live {
			f.close(nil)
		}
		b.wg.Wait()
		obs.ActiveTunnels.Dec()
		obs.ActiveConnections.DeleteLabelValues(b.spec.Name)
		obs.Info("tunnel.closed", obs.Fields{"tunnel": b.spec.Name})
	})
	return b.closeErr
}

// track registers f. It reports false once the bridge is closing, in which
// case f has already been closed.
func (b *Bridge) track(f *flow) bool {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		f.close(nil)
		return false
	}
	b.flows[f] = struct{}{}
	n := len(b.flows)
	b.mu.Unlock()
	obs.FlowsTotal.WithLabelValues(b.spec.Name, b.spec.Transport.Wire()).Inc()
	b.report(n)
	return true
}

func (b *Bridge) untrack(f *flow) {
	b.mu.Lock()
	if _, ok := b.flows[f]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.flows, f)
	if b.udp == f {
		b.udp = nil
	}
	n := len(b.flows)
	b.mu.Unlock()
	b.report(n)
}

func (b *Bridge) report(n int) {
	obs.ActiveConnections.WithLabelValues(b.spec.Name).Set(float64(n))
	if b.notify != nil {
		b.notify(b.spec.Name, n)
	}
}

// run dials the WebSocket for f and pumps both directions until one side
// ends. up is the local-to-remote pump, nil when the caller feeds f itself.
func (b *Bridge) run(f *flow, up func() error) {
	defer b.wg.Done()
	var g errgroup.Group
	g.Go(func() error {
		ws, resp, err := b.dialer.DialContext(b.ctx, b.url, b.header)
		if err != nil {
			if b.ctx.Err() != nil {
				f.close(nil)
				return nil
			}
			fe := &tunnel.FlowError{Flow: f.id, Op: "dial", Err: err}
			if resp != nil {
				obs.Debug("flow.dial_status", obs.Fields{"tunnel": b.spec.Name, "flow": f.id, "status": resp.StatusCode})
			}
			f.close(fe)
			return fe
		}
		if err := f.open(ws); err != nil {
			if errors.Is(err, net.ErrClosed) || f.isClosed() {
				return nil
			}
			f.close(err)
			return err
		}
		obs.Debug("flow.open", obs.Fields{"tunnel": b.spec.Name, "flow": f.id})
		err = f.pumpDown()
		f.close(err)
		return err
	})
	if up != nil {
		g.Go(func() error {
			err := up()
			f.close(err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		var fe *tunnel.FlowError
		op := "unknown"
		if errors.As(err, &fe) {
			op = fe.Op
		}
		obs.FlowErrorsTotal.WithLabelValues(b.spec.Name, op).Inc()
		obs.Error("flow.error", obs.Fields{"tunnel": b.spec.Name, "flow": f.id, "op": op, "err": err})
	}
}
