// Package sender implements the sender side of the reliable transport:
// the three-phase handshake/transfer/teardown dialogue, the sliding
// window, and the concurrent ACK-intake and retransmission tasks
// (spec.md §4.3–§4.6).
package sender

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/telepresenceio/rtpipe/pkg/rtp/dgram"
	"github.com/telepresenceio/rtpipe/pkg/rtp/rtplog"
	"github.com/telepresenceio/rtpipe/pkg/rtp/wire"
)

// Config holds the canonical timeouts and sizing knobs of §5 of spec.md.
// DefaultConfig reproduces the canonical values; the CLI exposes a subset
// of these as flags for testing.
type Config struct {
	PacketSize int
	WindowSize int

	HandshakeRetry    time.Duration
	HandshakeDeadline time.Duration
	RetransmitTimeout time.Duration
	TimerScanPeriod   time.Duration
	AckReadDeadline   time.Duration
	TeardownTimeout   time.Duration
}

// DefaultConfig returns the canonical timeout table from spec.md §5.
func DefaultConfig() Config {
	return Config{
		PacketSize: 1472,
		WindowSize: 8,

		HandshakeRetry:    500 * time.Millisecond,
		HandshakeDeadline: 10 * time.Second,
		RetransmitTimeout: 500 * time.Millisecond,
		TimerScanPeriod:   50 * time.Millisecond,
		AckReadDeadline:   100 * time.Millisecond,
		TeardownTimeout:   500 * time.Millisecond,
	}
}

type state int32

const (
	stateInit state = iota
	stateHandshaking
	stateTransferring
	stateEnding
	stateDone
	stateAborted
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateHandshaking:
		return "HANDSHAKING"
	case stateTransferring:
		return "TRANSFERRING"
	case stateEnding:
		return "ENDING"
	case stateDone:
		return "DONE"
	case stateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

type windowEntry struct {
	frame    []byte
	lastSend time.Time
}

// Session drives exactly one sender-side transfer. It is not reusable
// across transfers: create a new Session per Run call.
type Session struct {
	cfg  Config
	sock dgram.Socket
	addr *net.UDPAddr

	// mu guards base, nextSeq, window and endAcked, and is held around
	// every Send on sock once the transfer phase begins. Recv is not made
	// under mu; while the tasks run, ackIntake is the only reader of sock.
	mu       sync.Mutex
	base     uint32
	nextSeq  uint32
	window   map[uint32]*windowEntry
	endAcked bool

	numChunks uint32
	chunks    [][]byte

	state atomic.Int32

	// stopEnqueue soft-cancels the transmit engine: once called, transmit
	// stops enqueuing new DATA and moves on to teardown, while ack-intake
	// and the retransmit timer keep draining in-flight acknowledgments.
	// stopTasks is the hard stop that ends those two tasks once teardown
	// itself is done with them. Both are derived from dcontext's
	// soft/hard pair in Run, the same split pkg/client/userd/service.go
	// uses for its own graceful-then-forced gRPC shutdown.
	stopEnqueue context.CancelFunc
	stopTasks   context.CancelFunc
}

// New creates a sender Session that will talk to addr over sock.
func New(sock dgram.Socket, addr *net.UDPAddr, cfg Config) *Session {
	return &Session{
		cfg:    cfg,
		sock:   sock,
		addr:   addr,
		window: make(map[uint32]*windowEntry),
	}
}

// State reports the current point in the sender state machine of
// spec.md §4.6, for diagnostics and tests.
func (s *Session) State() string {
	return state(s.state.Load()).String()
}

func (s *Session) setState(st state) { s.state.Store(int32(st)) }

// Run executes the full three-phase dialogue: it reads input to EOF,
// performs the handshake, pipelines the data transfer under the sliding
// window, and tears the connection down. It returns a non-nil error when
// reading input fails, when the handshake times out or its context is
// cancelled, on a fatal socket failure, or when one of its tasks panics;
// an unconfirmed END ACK is logged but is not itself an error, per the
// policy table in spec.md §7.
func (s *Session) Run(parentCtx context.Context, input io.Reader) error {
	ctx := rtplog.WithPeer(rtplog.WithTransfer(parentCtx, "send"), s.addr)

	data, err := io.ReadAll(input)
	if err != nil {
		s.setState(stateAborted)
		return fmt.Errorf("rtp/sender: read input: %w", err)
	}
	s.chunks = splitChunks(data, s.cfg.PacketSize)
	s.numChunks = uint32(len(s.chunks))
	dlog.Infof(ctx, "message split into %d chunk(s)", s.numChunks)

	s.setState(stateHandshaking)
	if err := s.handshake(ctx); err != nil {
		s.setState(stateAborted)
		return err
	}
	s.setState(stateTransferring)

	s.drainStaleACKs(ctx)

	hard := dcontext.HardContext(ctx)
	enqueueCtx, stopEnqueue := context.WithCancel(dcontext.WithSoftness(hard))
	tasksCtx, stopTasks := context.WithCancel(hard)
	s.stopEnqueue = stopEnqueue
	s.stopTasks = stopTasks
	defer stopEnqueue()
	defer stopTasks()

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: false,
		ShutdownOnNonError:   true,
	})
	g.Go("ack-intake", func(_ context.Context) (err error) {
		defer func() {
			if p := derror.PanicToError(recover()); p != nil {
				dlog.Errorf(ctx, "%+v", p)
				err = p
			}
		}()
		return s.ackIntake(tasksCtx)
	})
	g.Go("retransmit-timer", func(_ context.Context) (err error) {
		defer func() {
			if p := derror.PanicToError(recover()); p != nil {
				dlog.Errorf(ctx, "%+v", p)
				err = p
			}
		}()
		return s.retransmitTimer(tasksCtx)
	})
	g.Go("transmit", func(gctx context.Context) (err error) {
		defer func() {
			if p := derror.PanicToError(recover()); p != nil {
				dlog.Errorf(ctx, "%+v", p)
				err = p
			}
		}()
		return s.transmit(gctx, enqueueCtx)
	})

	err = g.Wait()
	s.setState(stateDone)
	return err
}

func splitChunks(data []byte, packetSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+packetSize-1)/packetSize)
	for i := 0; i < len(data); i += packetSize {
		end := i + packetSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// handshake implements Phase 1 of spec.md §4.3.
func (s *Session) handshake(ctx context.Context) error {
	frame := wire.Encode(wire.Header{Type: wire.Start, Seq: 0}, nil)
	buf := make([]byte, wire.HeaderLen)

	deadline := time.Now().Add(s.cfg.HandshakeDeadline)
	var lastSend time.Time
	dlog.Info(ctx, "waiting for START ACK...")
	for time.Now().Before(deadline) {
		if time.Since(lastSend) >= s.cfg.HandshakeRetry {
			if err := s.sock.Send(ctx, frame, s.addr); err != nil {
				return fmt.Errorf("rtp/sender: send START: %w", err)
			}
			lastSend = time.Now()
		}

		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		n, _, err := s.sock.Recv(rctx, buf)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("rtp/sender: %w", ctx.Err())
			}
			continue
		}
		h, _, derr := wire.Decode(buf[:n])
		if derr != nil || h.Type != wire.Ack || h.Seq != 1 {
			continue
		}
		dlog.Info(ctx, "received START ACK, proceeding to data transmission")
		s.mu.Lock()
		s.base, s.nextSeq = 1, 1
		s.mu.Unlock()
		return nil
	}
	return fmt.Errorf("rtp/sender: handshake timed out after %s", s.cfg.HandshakeDeadline)
}

// drainStaleACKs discards any ACKs still sitting in the socket buffer
// from an earlier attempt, as the original sender's wait_for_empty_buffer
// does, before window accounting begins.
func (s *Session) drainStaleACKs(ctx context.Context) {
	buf := make([]byte, wire.HeaderLen+s.cfg.PacketSize)
	drained := 0
	for {
		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, _, err := s.sock.Recv(rctx, buf)
		cancel()
		if err != nil {
			break
		}
		drained++
	}
	if drained > 0 {
		dlog.Debugf(ctx, "drained %d stale datagram(s) before transfer", drained)
	}
}

func (s *Session) isEndAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endAcked
}

// transmit is the main transmit engine: Phase 2's window-filling loop,
// which runs until every DATA chunk has been acknowledged, followed by
// Phase 3's teardown. enqueueCtx is the soft-cancel signal: once it is
// done, no new DATA is enqueued, whether because Phase 2 has naturally
// run out of chunks or because the session is winding down early.
func (s *Session) transmit(ctx context.Context, enqueueCtx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var lastLog time.Time
loop:
	for {
		select {
		case <-enqueueCtx.Done():
			break loop
		default:
		}
		s.mu.Lock()
		done := s.base > s.numChunks
		base, nextSeq := s.base, s.nextSeq
		s.mu.Unlock()
		if done {
			break loop
		}
		s.fillWindow(ctx)
		if time.Since(lastLog) >= 100*time.Millisecond {
			dlog.Tracef(ctx, "waiting for acknowledgments... base=%d, next_seq=%d", base, nextSeq)
			lastLog = time.Now()
		}
		select {
		case <-enqueueCtx.Done():
			break loop
		case <-ticker.C:
		}
	}
	s.stopEnqueue()

	if ctx.Err() != nil {
		s.stopTasks()
		return nil
	}
	return s.teardown(ctx)
}

// fillWindow fills the sliding window up to WindowSize with freshly
// encoded DATA chunks, per spec.md §4.3 Phase 2.
func (s *Session) fillWindow(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.nextSeq-s.base < uint32(s.cfg.WindowSize) && s.nextSeq <= s.numChunks {
		seq := s.nextSeq
		frame := wire.Encode(wire.Header{Type: wire.Data, Seq: seq}, s.chunks[seq-1])
		if err := s.sock.Send(ctx, frame, s.addr); err != nil {
			dlog.Errorf(ctx, "send DATA %d: %v", seq, err)
		}
		s.window[seq] = &windowEntry{frame: frame, lastSend: time.Now()}
		dlog.Tracef(ctx, "sent packet %d", seq)
		s.nextSeq++
	}
}

// ackIntake is the concurrent ACK-intake task of spec.md §4.4. ctx is the
// hard-stop signal (tasksCtx from Run): ack-intake keeps draining
// acknowledgments even after transmit has soft-cancelled and stopped
// enqueuing, until either the END ACK arrives or it is told to stop.
func (s *Session) ackIntake(ctx context.Context) error {
	buf := make([]byte, wire.HeaderLen+s.cfg.PacketSize)
	for ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.AckReadDeadline)
		n, _, err := s.sock.Recv(rctx, buf)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		h, _, derr := wire.Decode(buf[:n])
		if derr != nil || h.Type != wire.Ack {
			continue
		}
		dlog.Tracef(ctx, "received ACK %d", h.Seq)
		if s.handleAck(ctx, h.Seq) {
			s.stopEnqueue()
			s.stopTasks()
			return nil
		}
	}
	return nil
}

// handleAck applies the cumulative-advance rule of spec.md §4.4 under the
// window lock and reports whether this was the ACK for END.
func (s *Session) handleAck(ctx context.Context, a uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a < s.base {
		return false
	}
	for seq := range s.window {
		if seq < a {
			delete(s.window, seq)
		}
	}
	s.base = a

	if a == s.numChunks+2 {
		dlog.Infof(ctx, "END message (seq %d) acknowledged; all chunks delivered", a)
		s.endAcked = true
		return true
	}
	return false
}

// retransmitTimer is the concurrent per-packet retransmission task of
// spec.md §4.5. ctx is the same hard-stop signal ackIntake uses.
func (s *Session) retransmitTimer(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TimerScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.scanAndResend(ctx)
	}
}

func (s *Session) scanAndResend(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for seq, entry := range s.window {
		if now.Sub(entry.lastSend) <= s.cfg.RetransmitTimeout {
			continue
		}
		dlog.Tracef(ctx, "timeout! retransmitting packet %d", seq)
		if err := s.sock.Send(ctx, entry.frame, s.addr); err != nil {
			dlog.Errorf(ctx, "resend %d: %v", seq, err)
			continue
		}
		entry.lastSend = now
	}
}

// teardown implements Phase 3 of spec.md §4.3. It runs after transmit has
// soft-cancelled (stopEnqueue), while ack-intake and the retransmit timer
// are still draining under the hard-stop context; it calls stopTasks once
// it is done with them, whether or not the END ACK actually arrived.
func (s *Session) teardown(ctx context.Context) error {
	s.setState(stateEnding)
	defer s.stopTasks()

	s.mu.Lock()
	seq := s.numChunks + 1
	frame := wire.Encode(wire.Header{Type: wire.End, Seq: seq}, nil)
	sendErr := s.sock.Send(ctx, frame, s.addr)
	if sendErr == nil {
		s.window[seq] = &windowEntry{frame: frame, lastSend: time.Now()}
	}
	s.mu.Unlock()
	if sendErr != nil {
		return fmt.Errorf("rtp/sender: send END: %w", sendErr)
	}
	dlog.Infof(ctx, "sent END message with seq %d", seq)

	deadline := time.Now().Add(s.cfg.TeardownTimeout)
	for time.Now().Before(deadline) && !s.isEndAcked() {
		select {
		case <-ctx.Done():
			deadline = time.Time{} // stop waiting
		case <-time.After(20 * time.Millisecond):
		}
	}

	if !s.isEndAcked() {
		dlog.Info(ctx, "END ACK not received within teardown timeout; exiting anyway")
	}
	return nil
}
