package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/tunnelclient/internal/auth"
	"github.com/matst80/tunnelclient/internal/httpx"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/proto"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

// recordWS is an in-memory WebSocket recording writes in order.
type recordWS struct {
	mu     sync.Mutex
	msgs   []string
	in     chan []byte
	closed bool
}

func newRecordWS() *recordWS { return &recordWS{in: make(chan []byte, 8)} }

func (r *recordWS) WriteMessage(_ int, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return net.ErrClosed
	}
	r.msgs = append(r.msgs, string(p))
	return nil
}

func (r *recordWS) ReadMessage() (int, []byte, error) {
	p, ok := <-r.in
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	return websocket.BinaryMessage, p, nil
}

func (r *recordWS) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordWS) written() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestFlowFlushesBufferBeforeLiveBytes(t *testing.T) {
	f := newFlow("t", func([]byte) error { return nil }, nil, nil)
	buf := []byte("one")
	require.NoError(t, f.send(buf))
	copy(buf, "XXX") // caller reuses its read buffer
	require.NoError(t, f.send([]byte("two")))
	require.NoError(t, f.send([]byte("three")))

	ws := newRecordWS()
	assert.Empty(t, ws.written())
	require.NoError(t, f.open(ws))
	require.NoError(t, f.send([]byte("four")))
	assert.Equal(t, []string{"one", "two", "three", "four"}, ws.written())
	assert.Equal(t, int64(len("onetwothreefour")), f.up.Load())
}

func TestFlowCloseIsIdempotent(t *testing.T) {
	var (
		mu       sync.Mutex
		done     int
		released int
	)
	f := newFlow("t", func([]byte) error { return nil },
		func() { mu.Lock(); released++; mu.Unlock() },
		func(*flow) { mu.Lock(); done++; mu.Unlock() })
	ws := newRecordWS()
	require.NoError(t, f.open(ws))

	f.close(nil)
	f.close(errors.New("second"))
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, released)
	assert.True(t, ws.closed)
	assert.ErrorIs(t, f.send([]byte("x")), net.ErrClosed)
	assert.ErrorIs(t, f.open(newRecordWS()), net.ErrClosed)
}

func TestFlowPumpDownDelivers(t *testing.T) {
	var got []string
	f := newFlow("t", func(p []byte) error { got = append(got, string(p)); return nil }, nil, nil)
	ws := newRecordWS()
	require.NoError(t, f.open(ws))
	ws.in <- []byte("a")
	ws.in <- []byte("b")
	close(ws.in)
	assert.NoError(t, f.pumpDown())
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, int64(2), f.down.Load())
}

// stallWS never completes a write until it is closed.
type stallWS struct {
	once    sync.Once
	closed  chan struct{}
	writing chan struct{}
}

func newStallWS() *stallWS {
	return &stallWS{closed: make(chan struct{}), writing: make(chan struct{}, 1)}
}

func (s *stallWS) WriteMessage(int, []byte) error {
	select {
	case s.writing <- struct{}{}:
	default:
	}
	<-s.closed
	return net.ErrClosed
}

func (s *stallWS) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, net.ErrClosed
}

func (s *stallWS) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestFlowCloseUnblocksStalledWrite(t *testing.T) {
	f := newFlow("t", func([]byte) error { return nil }, nil, nil)
	ws := newStallWS()
	require.NoError(t, f.send([]byte("queued")))

	opened := make(chan error, 1)
	go func() { opened <- f.open(ws) }()
	<-ws.writing

	closed := make(chan struct{})
	go func() {
		f.close(nil)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close waited for the stalled write")
	}
	assert.Error(t, <-opened)
	assert.ErrorIs(t, f.send([]byte("late")), net.ErrClosed)
}

func TestFlowPumpDownSkipsEmptyMessages(t *testing.T) {
	var got []string
	f := newFlow("t", func(p []byte) error { got = append(got, string(p)); return nil }, nil, nil)
	ws := newRecordWS()
	require.NoError(t, f.open(ws))
	ws.in <- []byte{}
	ws.in <- []byte("a")
	ws.in <- nil
	close(ws.in)
	assert.NoError(t, f.pumpDown())
	assert.Equal(t, []string{"a"}, got)
}

type gatewayConn struct {
	conn  *websocket.Conn
	query url.Values
	hdr   http.Header
}

func wsGateway(t *testing.T, handle func(gc gatewayConn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(proto.TunnelPath, func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(gatewayConn{conn: c, query: r.URL.Query(), hdr: r.Header.Clone()})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func TestTCPPingPong(t *testing.T) {
	seen := make(chan gatewayConn, 1)
	srv := wsGateway(t, func(gc gatewayConn) {
		seen <- gc
		_, msg, err := gc.conn.ReadMessage()
		if err != nil || string(msg) != "ping" {
			return
		}
		_ = gc.conn.WriteMessage(websocket.BinaryMessage, []byte("pong"))
		drain(gc.conn)
	})

	h := httpx.Headers{}
	h.Set("x-api-key", "k1")
	b, err := Start(context.Background(), Config{
		Spec: tunnel.Spec{Name: "pp", Remote: srv.URL, Transport: tunnel.TCP, Address: "127.0.0.1", RemoteHost: "db.internal", RemotePort: "5432", Access: tunnel.AccessPublic},
		Auth: auth.Context{Headers: h},
	})
	require.NoError(t, err)
	defer b.Close()

	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	gc := <-seen
	assert.Equal(t, "db.internal", gc.query.Get("remoteHost"))
	assert.Equal(t, "5432", gc.query.Get("remotePort"))
	assert.Equal(t, "tcp", gc.query.Get("transport"))
	assert.False(t, gc.query.Has(proto.TokenParam))
	assert.Equal(t, "k1", gc.hdr.Get("x-api-key"))
	assert.Equal(t, 1, b.Active())
	assert.GreaterOrEqual(t, testutil.ToFloat64(obs.FlowsTotal.WithLabelValues("pp", "tcp")), 1.0)
}

func TestTCPSessionTokenInQuery(t *testing.T) {
	seen := make(chan url.Values, 1)
	srv := wsGateway(t, func(gc gatewayConn) {
		seen <- gc.query
		drain(gc.conn)
	})
	b, err := Start(context.Background(), Config{
		Spec: tunnel.Spec{Name: "tok", Remote: srv.URL, Address: "127.0.0.1"},
		Auth: auth.Context{SessionToken: "s3cr3t"},
	})
	require.NoError(t, err)
	defer b.Close()
	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	select {
	case q := <-seen:
		assert.Equal(t, "s3cr3t", q.Get(proto.TokenParam))
		assert.False(t, q.Has("remoteHost"))
	case <-time.After(3 * time.Second):
		t.Fatal("gateway never saw the upgrade")
	}
}

func TestTCPDialFailureClosesLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	b, err := Start(context.Background(), Config{Spec: tunnel.Spec{Name: "deny", Remote: srv.URL, Address: "127.0.0.1"}})
	require.NoError(t, err)
	defer b.Close()

	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = c.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool { return b.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseTearsDownFlowsOnce(t *testing.T) {
	srv := wsGateway(t, func(gc gatewayConn) { drain(gc.conn) })
	var (
		mu     sync.Mutex
		counts []int
	)
	b, err := Start(context.Background(), Config{
		Spec: tunnel.Spec{Name: "cl", Remote: srv.URL, Address: "127.0.0.1"},
		OnConnections: func(name string, n int) {
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return b.Active() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Active())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, counts)

	_, err = net.DialTimeout("tcp", b.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestCloseWithStalledGateway(t *testing.T) {
	release := make(chan struct{})
	srv := wsGateway(t, func(gc gatewayConn) { <-release })
	t.Cleanup(func() { close(release) })

	b, err := Start(context.Background(), Config{Spec: tunnel.Spec{Name: "stall", Remote: srv.URL, Address: "127.0.0.1"}})
	require.NoError(t, err)

	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	go func() {
		chunk := make([]byte, 64*1024)
		for {
			if _, err := c.Write(chunk); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return b.Active() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Bridge.Close blocked behind a stalled gateway")
	}
	assert.Equal(t, 0, b.Active())
}

func TestContextCancelClosesBridge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b, err := Start(ctx, Config{Spec: tunnel.Spec{Name: "ctx", Remote: "http://127.0.0.1:1", Address: "127.0.0.1"}})
	require.NoError(t, err)
	addr := b.Addr().String()
	cancel()
	assert.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			c.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListenErrorOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	_, err = Start(context.Background(), Config{Spec: tunnel.Spec{Name: "busy", Remote: "http://gw", Address: "127.0.0.1", Port: port}})
	var le *tunnel.ListenError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "tcp", le.Network)
}

func TestInvalidRemoteScheme(t *testing.T) {
	_, err := Start(context.Background(), Config{Spec: tunnel.Spec{Name: "bad", Remote: "ftp://gw", Address: "127.0.0.1"}})
	assert.Error(t, err)
}

func TestUDPRepliesToLastPeer(t *testing.T) {
	seen := make(chan url.Values, 1)
	srv := wsGateway(t, func(gc gatewayConn) {
		seen <- gc.query
		for i := 0; i < 2; i++ {
			if _, _, err := gc.conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = gc.conn.WriteMessage(websocket.BinaryMessage, []byte("reply"))
		drain(gc.conn)
	})
	b, err := Start(context.Background(), Config{
		Spec: tunnel.Spec{Name: "dns", Remote: srv.URL, Transport: tunnel.UDP, Address: "127.0.0.1", RemoteHost: "10.0.0.53", RemotePort: "53"},
	})
	require.NoError(t, err)
	defer b.Close()

	peerA, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peerA.Close()
	peerB, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peerB.Close()

	_, err = peerA.WriteTo([]byte("hello"), b.Addr())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = peerB.WriteTo([]byte("hello"), b.Addr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, peerB.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, from, err := peerB.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
	assert.Equal(t, b.Addr().String(), from.String())

	require.NoError(t, peerA.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = peerA.ReadFrom(buf)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())

	q := <-seen
	assert.Equal(t, "udp", q.Get("transport"))
	assert.Equal(t, 1, b.Active())
}

func TestUDPReopensAfterFlowEnds(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
	)
	srv := wsGateway(t, func(gc gatewayConn) {
		mu.Lock()
		conns++
		mu.Unlock()
		_, msg, err := gc.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = gc.conn.WriteMessage(websocket.BinaryMessage, msg)
		_ = gc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	b, err := Start(context.Background(), Config{Spec: tunnel.Spec{Name: "re", Remote: srv.URL, Transport: tunnel.UDP, Address: "127.0.0.1"}})
	require.NoError(t, err)
	defer b.Close()

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	buf := make([]byte, 64)
	for _, word := range []string{"first", "second"} {
		require.Eventually(t, func() bool { return b.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
		_, err = peer.WriteTo([]byte(word), b.Addr())
		require.NoError(t, err)
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
		n, _, err := peer.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, word, string(buf[:n]))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, conns)
}
