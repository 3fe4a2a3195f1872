// Package rtptest provides a fault-injecting dgram.Socket pair used by the
// tests in pkg/rtp/sender, pkg/rtp/receiver and pkg/rtp/e2e to exercise
// loss, reordering, and corruption deterministically, without real kernel
// sockets. It has no fault that duplicates a datagram.
package rtptest

import (
	"context"
	"net"
	"sync"

	"github.com/telepresenceio/rtpipe/pkg/rtp/wire"
)

// Fault decides what happens to a single in-flight datagram. It receives
// a copy of the raw frame and returns the frame to actually deliver (nil
// to drop it). Link.Send does not consult the second result.
type Fault func(frame []byte) (deliver []byte, delay bool)

// Channel is a shared, in-memory, unreliable medium connecting exactly two
// named endpoints. Each endpoint gets its own *Link, obtained via Endpoint.
type Channel struct {
	mu    sync.Mutex
	boxes map[string]chan datagram

	fault Fault

	// reorderWindow, when non-zero, buffers that many consecutive
	// outgoing frames per sender and flushes them to the peer in
	// reverse order (S3 of spec.md §8) instead of delivering as sent.
	reorderWindow int
	pending       map[string][]datagram
}

type datagram struct {
	payload []byte
	from    *net.UDPAddr
}

// NewChannel creates a fault-injecting medium. A nil fault delivers every
// datagram unchanged and in order.
func NewChannel(fault Fault) *Channel {
	if fault == nil {
		fault = func(frame []byte) ([]byte, bool) { return frame, false }
	}
	return &Channel{boxes: make(map[string]chan datagram), fault: fault}
}

// NewReorderingChannel builds a channel that buffers each sender's
// outgoing frames windowSize at a time and flushes each full window to
// the peer in reverse order.
func NewReorderingChannel(windowSize int) *Channel {
	return &Channel{
		boxes:         make(map[string]chan datagram),
		fault:         func(frame []byte) ([]byte, bool) { return frame, false },
		reorderWindow: windowSize,
		pending:       make(map[string][]datagram),
	}
}

func (c *Channel) box(name string) chan datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.boxes[name]
	if !ok {
		b = make(chan datagram, 4096)
		c.boxes[name] = b
	}
	return b
}

// Endpoint returns a Socket for the named endpoint, bound to addr. Every
// frame sent on it goes to the endpoint named peer, whatever destination
// address Send is given, and passes through the channel's Fault before
// delivery.
func (c *Channel) Endpoint(name string, addr *net.UDPAddr, peer string) *Link {
	return &Link{channel: c, name: name, addr: addr, peer: peer}
}

// Link is one endpoint's view of a Channel.
type Link struct {
	channel *Channel
	name    string
	addr    *net.UDPAddr
	peer    string
}

func (l *Link) Send(_ context.Context, buf []byte, _ *net.UDPAddr) error {
	frame := append([]byte(nil), buf...)
	deliver, _ := l.channel.fault(frame)
	if deliver == nil {
		return nil
	}
	d := datagram{payload: deliver, from: l.addr}

	// Reordering only ever applies to DATA packets (spec.md S3): the
	// single-packet START/END/ACK exchanges are delivered immediately,
	// or the handshake and teardown dialogues would stall waiting for a
	// full window of frames that will never arrive.
	isData := false
	if h, _, err := wire.Decode(deliver); err == nil && h.Type == wire.Data {
		isData = true
	}

	if l.channel.reorderWindow > 0 && isData {
		l.channel.mu.Lock()
		l.channel.pending[l.name] = append(l.channel.pending[l.name], d)
		var flush []datagram
		if len(l.channel.pending[l.name]) >= l.channel.reorderWindow {
			flush = l.channel.pending[l.name]
			l.channel.pending[l.name] = nil
		}
		l.channel.mu.Unlock()
		for i := len(flush) - 1; i >= 0; i-- {
			l.channel.box(l.peer) <- flush[i]
		}
		return nil
	}

	l.channel.box(l.peer) <- d
	return nil
}

// Flush delivers any frames still buffered for reordering (fewer than a
// full window), in reverse order, as-is. Call it once the sender has
// nothing more to send.
func (l *Link) Flush() {
	if l.channel.reorderWindow == 0 {
		return
	}
	l.channel.mu.Lock()
	flush := l.channel.pending[l.name]
	l.channel.pending[l.name] = nil
	l.channel.mu.Unlock()
	for i := len(flush) - 1; i >= 0; i-- {
		l.channel.box(l.peer) <- flush[i]
	}
}

func (l *Link) Recv(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case d := <-l.channel.box(l.name):
		n := copy(buf, d.payload)
		return n, d.from, nil
	}
}

func (l *Link) LocalAddr() *net.UDPAddr { return l.addr }

func (l *Link) Close() error { return nil }

// UniformLoss drops each datagram independently with probability p,
// consulting rng for the decision (S2 of spec.md §8).
func UniformLoss(p float64, rng func() float64) Fault {
	return func(frame []byte) ([]byte, bool) {
		if rng() < p {
			return nil, false
		}
		return frame, false
	}
}

// CorruptFirstTransmission flips one bit in the payload of the first DATA
// packet seen with the given sequence number, the first time it is
// transmitted only (S4 of spec.md §8); every retransmission passes
// through unmodified.
func CorruptFirstTransmission(seq uint32) Fault {
	done := false
	return func(frame []byte) ([]byte, bool) {
		h, payload, err := wire.Decode(frame)
		if err != nil || h.Type != wire.Data || h.Seq != seq || done || len(payload) == 0 {
			return frame, false
		}
		done = true
		corrupted := append([]byte(nil), frame...)
		corrupted[wire.HeaderLen] ^= 0x01
		return corrupted, false
	}
}

// DropAckForSeq drops every ACK whose seq_num equals want (S5 of spec.md §8).
func DropAckForSeq(want uint32) Fault {
	return func(frame []byte) ([]byte, bool) {
		h, _, err := wire.Decode(frame)
		if err == nil && h.Type == wire.Ack && h.Seq == want {
			return nil, false
		}
		return frame, false
	}
}
