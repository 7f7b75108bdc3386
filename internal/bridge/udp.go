package bridge

import (
	"errors"
	"net"

	"github.com/matst80/tunnelclient/internal/obs"
)

const maxDatagram = 64 * 1024

func (b *Bridge) servePackets() {
	defer b.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := b.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || b.ctx.Err() != nil {
				return
			}
			obs.Error("tunnel.read", obs.Fields{"tunnel": b.spec.Name, "err": err})
			continue
		}
		f := b.packetFlow(peer)
		if f == nil {
			return
		}
		if err := f.send(buf[:n]); err != nil && !errors.Is(err, net.ErrClosed) && !f.isClosed() {
			f.close(err)
		}
	}
}

// packetFlow records peer as the reply target and returns the socket's flow,
// opening a new one when there is none. Replies always go to the most recent
// sender.
func (b *Bridge) packetFlow(peer net.Addr) *flow {
	b.mu.Lock()
	b.udpPeer = peer
	if f := b.udp; f != nil {
		b.mu.Unlock()
		return f
	}
	b.mu.Unlock()

	f := newFlow(b.spec.Name, b.reply, nil, b.untrack)
	if !b.track(f) {
		return nil
	}
	b.mu.Lock()
	if _, live := b.flows[f]; live {
		b.udp = f
	}
	b.mu.Unlock()
	obs.Debug("flow.accept", obs.Fields{"tunnel": b.spec.Name, "flow": f.id, "peer": peer.String()})
	b.wg.Add(1)
	go b.run(f, nil)
	return f
}

func (b *Bridge) reply(p []byte) error {
	b.mu.Lock()
	peer := b.udpPeer
	b.mu.Unlock()
	if peer == nil {
		return nil
	}
	_, err := b.pc.WriteTo(p, peer)
	return err
}
