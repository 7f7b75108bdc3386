package bridge

import (
	"errors"
	"io"
	"net"

	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

const readBufferSize = 32 * 1024

func (b *Bridge) serveStream() {
	defer b.wg.Done()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || b.ctx.Err() != nil {
				return
			}
			obs.Error("tunnel.accept", obs.Fields{"tunnel": b.spec.Name, "err": err})
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		b.accept(c)
	}
}

func (b *Bridge) accept(c net.Conn) {
	f := newFlow(b.spec.Name, func(p []byte) error {
		_, err := c.Write(p)
		return err
	}, func() { _ = c.Close() }, b.untrack)
	if !b.track(f) {
		return
	}
	obs.Debug("flow.accept", obs.Fields{"tunnel": b.spec.Name, "flow": f.id, "peer": c.RemoteAddr().String()})
	b.wg.Add(1)
	go b.run(f, func() error { return pumpUp(f, c) })
}

// pumpUp reads the local connection and feeds f until EOF or error.
func pumpUp(f *flow, c net.Conn) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if serr := f.send(buf[:n]); serr != nil {
				if errors.Is(serr, net.ErrClosed) || f.isClosed() {
					return nil
				}
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || f.isClosed() {
				return nil
			}
			return &tunnel.FlowError{Flow: f.id, Op: "local-read", Err: err}
		}
	}
}
