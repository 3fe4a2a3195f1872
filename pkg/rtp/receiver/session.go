// Package receiver implements the receiver side of the reliable
// transport: the single-threaded reassembly engine of spec.md §4.2.
package receiver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/datawire/dlib/dlog"

	"github.com/telepresenceio/rtpipe/pkg/rtp/dgram"
	"github.com/telepresenceio/rtpipe/pkg/rtp/rtplog"
	"github.com/telepresenceio/rtpipe/pkg/rtp/wire"
)

type state int32

const (
	stateListening state = iota
	stateConnected
	stateDone
)

func (s state) String() string {
	switch s {
	case stateListening:
		return "LISTENING"
	case stateConnected:
		return "CONNECTED"
	case stateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Config holds the receiver's sizing knobs.
type Config struct {
	PacketSize int
	WindowSize uint32
}

// DefaultConfig returns the canonical payload size and a conservative
// default window; callers normally override WindowSize from the CLI.
func DefaultConfig() Config {
	return Config{PacketSize: 1472, WindowSize: 8}
}

// Session drives exactly one receiver-side transfer: it owns the
// reassembly buffer and the next-expected-sequence cursor, and reacts to
// whatever arrives on sock. It is single-threaded by design (spec.md §5:
// "the receiver is single-threaded and cooperative").
type Session struct {
	cfg  Config
	sock dgram.Socket
	sink *bufio.Writer

	state       state
	expectedSeq uint32
	buffer      map[uint32][]byte
	peerAddr    *net.UDPAddr
	running     bool

	delivered uint64
}

// New creates a receiver Session that reads datagrams from sock and
// writes reassembled payload to sink.
func New(sock dgram.Socket, sink io.Writer, cfg Config) *Session {
	return &Session{
		cfg:    cfg,
		sock:   sock,
		sink:   bufio.NewWriter(sink),
		buffer: make(map[uint32][]byte),
		state:  stateListening,
	}
}

// State reports the current point in the receiver state machine of
// spec.md §4.6.
func (s *Session) State() string { return s.state.String() }

// Run blocks, servicing one datagram at a time, until a valid END packet
// is processed or ctx is done. It returns nil on a clean END, or ctx's
// error if canceled first.
func (s *Session) Run(ctx context.Context) error {
	ctx = rtplog.WithTransfer(ctx, "recv")
	s.running = true

	buf := make([]byte, wire.HeaderLen+s.cfg.PacketSize)
	dlog.Infof(ctx, "listening on %s", s.sock.LocalAddr())
	for s.running {
		n, from, err := s.sock.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		h, payload, derr := wire.Decode(buf[:n])
		if derr != nil {
			dlog.Tracef(ctx, "dropped undecodable datagram from %s", from)
			continue
		}
		// The payload slice aliases buf; own it before handing it to
		// handlers that may stash it in the reassembly buffer.
		owned := append([]byte(nil), payload...)

		switch h.Type {
		case wire.Start:
			s.onStart(ctx, h, from)
		case wire.Data:
			s.onData(ctx, h, owned)
		case wire.End:
			s.onEnd(ctx, h)
		case wire.Ack:
			// Ignored: the receiver never sends data and so never
			// awaits an ACK (spec.md §4.2).
		}
	}
	if err := s.sink.Flush(); err != nil {
		return fmt.Errorf("rtp/receiver: flush output: %w", err)
	}
	return nil
}

func (s *Session) onStart(ctx context.Context, h wire.Header, from *net.UDPAddr) {
	s.expectedSeq = h.Seq + 1
	s.buffer = make(map[uint32][]byte)
	s.peerAddr = from
	s.state = stateConnected
	dlog.Infof(ctx, "START received from %s, expected_seq=%d", from, s.expectedSeq)
	s.sendAck(ctx, s.expectedSeq)
}

func (s *Session) onData(ctx context.Context, h wire.Header, payload []byte) {
	seq, expected, window := h.Seq, s.expectedSeq, s.cfg.WindowSize

	switch {
	case seq >= expected+window:
		dlog.Tracef(ctx, "dropped out-of-window DATA %d (expected=%d, window=%d)", seq, expected, window)
		s.sendAck(ctx, expected)

	case seq < expected:
		dlog.Tracef(ctx, "dropped duplicate DATA %d (expected=%d)", seq, expected)
		s.sendAck(ctx, expected)

	case seq == expected:
		s.deliver(ctx, payload)
		s.expectedSeq++
		for {
			buffered, ok := s.buffer[s.expectedSeq]
			if !ok {
				break
			}
			s.deliver(ctx, buffered)
			delete(s.buffer, s.expectedSeq)
			s.expectedSeq++
		}
		s.sendAck(ctx, s.expectedSeq)

	default: // expected < seq < expected+window
		if _, ok := s.buffer[seq]; !ok {
			s.buffer[seq] = payload
		}
		s.sendAck(ctx, seq+1)
	}
}

func (s *Session) onEnd(ctx context.Context, h wire.Header) {
	dlog.Infof(ctx, "END received (seq=%d), %d byte(s) delivered", h.Seq, s.delivered)
	s.sendAck(ctx, h.Seq+1)
	s.buffer = make(map[uint32][]byte)
	s.running = false
	s.state = stateDone
}

func (s *Session) deliver(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if _, err := s.sink.Write(payload); err != nil {
		dlog.Errorf(ctx, "write to sink: %v", err)
		return
	}
	if err := s.sink.Flush(); err != nil {
		dlog.Errorf(ctx, "flush sink: %v", err)
		return
	}
	s.delivered += uint64(len(payload))
}

func (s *Session) sendAck(ctx context.Context, seq uint32) {
	if s.peerAddr == nil {
		return
	}
	frame := wire.Encode(wire.Header{Type: wire.Ack, Seq: seq}, nil)
	if err := s.sock.Send(ctx, frame, s.peerAddr); err != nil {
		dlog.Errorf(ctx, "send ACK %d: %v", seq, err)
	}
}
