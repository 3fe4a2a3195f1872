package sender_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"github.com/telepresenceio/rtpipe/internal/rtptest"
	"github.com/telepresenceio/rtpipe/pkg/rtp/sender"
	"github.com/telepresenceio/rtpipe/pkg/rtp/wire"
)

func testConfig() sender.Config {
	cfg := sender.DefaultConfig()
	cfg.PacketSize = 3
	cfg.WindowSize = 2
	cfg.HandshakeRetry = 20 * time.Millisecond
	cfg.HandshakeDeadline = 300 * time.Millisecond
	cfg.RetransmitTimeout = 50 * time.Millisecond
	cfg.TimerScanPeriod = 10 * time.Millisecond
	cfg.AckReadDeadline = 20 * time.Millisecond
	cfg.TeardownTimeout = 100 * time.Millisecond
	return cfg
}

// echoAcker is a minimal stand-in peer that ACKs a START with seq 1 and
// every DATA/END with its own seq_num + 1, used to unit-test the sender
// in isolation from a real receiver.
func echoAcker(t *testing.T, link *rtptest.Link, addr *net.UDPAddr) {
	buf := make([]byte, 2048)
	for {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, from, err := link.Recv(rctx, buf)
		cancel()
		if err != nil {
			return
		}
		h, _, derr := wire.Decode(buf[:n])
		if derr != nil {
			continue
		}
		var ackSeq uint32
		switch h.Type {
		case wire.Start:
			ackSeq = 1
		case wire.Data, wire.End:
			ackSeq = h.Seq + 1
		default:
			continue
		}
		ack := wire.Encode(wire.Header{Type: wire.Ack, Seq: ackSeq}, nil)
		_ = link.Send(context.Background(), ack, addr)
		if h.Type == wire.End {
			return
		}
	}
}

func TestSessionRunDeliversAllChunksAndTearsDown(t *testing.T) {
	channel := rtptest.NewChannel(nil)
	senderAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9001}
	peerAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9002}

	senderLink := channel.Endpoint("sender", senderAddr, "peer")
	peerLink := channel.Endpoint("peer", peerAddr, "sender")

	done := make(chan struct{})
	go func() {
		echoAcker(t, peerLink, senderAddr)
		close(done)
	}()

	ctx := dlog.NewTestContext(t, false)
	sess := sender.New(senderLink, peerAddr, testConfig())
	err := sess.Run(ctx, strings.NewReader("hello, world\n"))
	require.NoError(t, err)
	require.Equal(t, "DONE", sess.State())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed an END")
	}
}

func TestSessionRunAbortsOnHandshakeTimeout(t *testing.T) {
	channel := rtptest.NewChannel(rtptest.DropAckForSeq(1)) // never lets the START ACK through
	senderAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9101}
	peerAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9102}
	senderLink := channel.Endpoint("sender", senderAddr, "peer")

	cfg := testConfig()
	cfg.HandshakeRetry = 10 * time.Millisecond
	cfg.HandshakeDeadline = 60 * time.Millisecond

	ctx := dlog.NewTestContext(t, false)
	sess := sender.New(senderLink, peerAddr, cfg)
	err := sess.Run(ctx, strings.NewReader("abc"))
	require.Error(t, err)
	require.Equal(t, "ABORTED", sess.State())
}
