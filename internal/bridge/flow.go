package bridge

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"

	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

// wsConn is the subset of *websocket.Conn a flow uses.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// flow is one local TCP connection, or the single logical UDP session of a
// bound socket, paired with exactly one WebSocket.
type flow struct {
	id      string
	tunnel  string
	started time.Time

	// deliver writes one remote payload to the local side.
	deliver func([]byte) error
	// release tears down the local side; nil for UDP flows.
	release func()
	// done runs once after the flow is closed.
	done func(*flow)

	// wmu orders writes to ws. mu guards the fields below it and is never
	// held across a write, so close can always reach ws.
	wmu       sync.Mutex
	mu        sync.Mutex
	pending   [][]byte
	connected bool
	closed    bool
	ws        wsConn

	once     sync.Once
	up, down atomic.Int64
}

func newFlow(tunnelName string, deliver func([]byte) error, release func(), done func(*flow)) *flow {
	return &flow{
		id:      tunnel.ShortID(),
		tunnel:  tunnelName,
		started: time.Now(),
		deliver: deliver,
		release: release,
		done:    done,
	}
}

// send forwards local bytes. Before open they are queued in arrival order.
func (f *flow) send(p []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return net.ErrClosed
	}
	if !f.connected {
		f.pending = append(f.pending, append([]byte(nil), p...))
		f.mu.Unlock()
		return nil
	}
	ws := f.ws
	f.mu.Unlock()
	if err := ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return &tunnel.FlowError{Flow: f.id, Op: "ws-write", Err: err}
	}
	f.count(&f.up, "up", len(p))
	return nil
}

// open attaches the WebSocket and flushes everything queued so far. Bytes
// sent after open are written strictly after the flushed ones.
func (f *flow) open(ws wsConn) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = ws.Close()
		return net.ErrClosed
	}
	f.ws = ws
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, p := range pending {
		if err := ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
			return &tunnel.FlowError{Flow: f.id, Op: "flush", Err: err}
		}
		f.count(&f.up, "up", len(p))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.connected = true
	return nil
}

// pumpDown copies WebSocket messages to the local side until either fails.
func (f *flow) pumpDown() error {
	f.mu.Lock()
	ws := f.ws
	f.mu.Unlock()
	if ws == nil {
		return nil
	}
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || f.isClosed() {
				return nil
			}
			return &tunnel.FlowError{Flow: f.id, Op: "ws-read", Err: err}
		}
		if len(msg) == 0 {
			continue
		}
		if err := f.deliver(msg); err != nil {
			if f.isClosed() {
				return nil
			}
			return &tunnel.FlowError{Flow: f.id, Op: "local-write", Err: err}
		}
		f.count(&f.down, "down", len(msg))
	}
}

func (f *flow) count(c *atomic.Int64, direction string, n int) {
	c.Add(int64(n))
	obs.BytesTotal.WithLabelValues(f.tunnel, direction).Add(float64(n))
}

func (f *flow) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// close tears down both sides. It never waits for an in-flight write:
// closing ws is what unblocks one. Calls after the first are no-ops.
func (f *flow) close(cause error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		ws := f.ws
		f.pending = nil
		f.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		if f.release != nil {
			f.release()
		}
		fields := obs.Fields{
			"tunnel":   f.tunnel,
			"flow":     f.id,
			"sent":     sizestr.ToString(f.up.Load()),
			"received": sizestr.ToString(f.down.Load()),
		}
		if cause != nil {
			fields["err"] = cause
		}
		obs.Info("flow.close", fields)
		obs.FlowDurationSecs.Observe(time.Since(f.started).Seconds())
		if f.done != nil {
			f.done(f)
		}
	})
}
