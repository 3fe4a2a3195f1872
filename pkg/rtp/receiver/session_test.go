package receiver_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"github.com/telepresenceio/rtpipe/internal/rtptest"
	"github.com/telepresenceio/rtpipe/pkg/rtp/receiver"
	"github.com/telepresenceio/rtpipe/pkg/rtp/wire"
)

func newLinks(fault rtptest.Fault) (recvLink, peerLink *rtptest.Link, recvAddr, peerAddr *net.UDPAddr) {
	channel := rtptest.NewChannel(fault)
	recvAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 7001}
	peerAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7002}
	recvLink = channel.Endpoint("recv", recvAddr, "peer")
	peerLink = channel.Endpoint("peer", peerAddr, "recv")
	return
}

func recvFrame(t *testing.T, link *rtptest.Link) wire.Header {
	t.Helper()
	buf := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, _, err := link.Recv(ctx, buf)
	require.NoError(t, err)
	h, _, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	return h
}

func TestSessionInOrderDelivery(t *testing.T) {
	recvLink, peerLink, recvAddr, peerAddr := newLinks(nil)

	cfg := receiver.Config{PacketSize: 1, WindowSize: 4}
	out := &bytes.Buffer{}
	sess := receiver.New(recvLink, out, cfg)

	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	send := func(h wire.Header, payload []byte) {
		frame := wire.Encode(h, payload)
		require.NoError(t, peerLink.Send(context.Background(), frame, recvAddr))
	}

	send(wire.Header{Type: wire.Start, Seq: 0}, nil)
	require.Equal(t, uint32(1), recvFrame(t, peerLink).Seq)

	send(wire.Header{Type: wire.Data, Seq: 1}, []byte("A"))
	require.Equal(t, uint32(2), recvFrame(t, peerLink).Seq)
	send(wire.Header{Type: wire.Data, Seq: 2}, []byte("B"))
	require.Equal(t, uint32(3), recvFrame(t, peerLink).Seq)

	send(wire.Header{Type: wire.End, Seq: 3}, nil)
	require.Equal(t, uint32(4), recvFrame(t, peerLink).Seq)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never observed END")
	}
	cancel()
	require.Equal(t, "AB", out.String())
	require.Equal(t, "DONE", sess.State())
	_ = peerAddr
}

func TestSessionOutOfOrderSpeculativeAck(t *testing.T) {
	recvLink, peerLink, recvAddr, _ := newLinks(nil)
	cfg := receiver.Config{PacketSize: 1, WindowSize: 4}
	out := &bytes.Buffer{}
	sess := receiver.New(recvLink, out, cfg)

	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	send := func(h wire.Header, payload []byte) {
		frame := wire.Encode(h, payload)
		require.NoError(t, peerLink.Send(context.Background(), frame, recvAddr))
	}

	send(wire.Header{Type: wire.Start, Seq: 0}, nil)
	require.Equal(t, uint32(1), recvFrame(t, peerLink).Seq)

	// seq 2 arrives before seq 1: speculative ACK(s+1) = ACK(3).
	send(wire.Header{Type: wire.Data, Seq: 2}, []byte("B"))
	require.Equal(t, uint32(3), recvFrame(t, peerLink).Seq)
	require.Empty(t, out.String(), "out-of-order payload must not be delivered yet")

	// seq 1 fills the gap: both 1 and buffered 2 are flushed in order.
	send(wire.Header{Type: wire.Data, Seq: 1}, []byte("A"))
	require.Equal(t, uint32(3), recvFrame(t, peerLink).Seq)
	require.Equal(t, "AB", out.String())
}

func TestSessionDropsOutOfWindowAndDuplicates(t *testing.T) {
	recvLink, peerLink, recvAddr, _ := newLinks(nil)
	cfg := receiver.Config{PacketSize: 1, WindowSize: 2}
	out := &bytes.Buffer{}
	sess := receiver.New(recvLink, out, cfg)

	ctx, cancel := context.WithCancel(dlog.NewTestContext(t, false))
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	send := func(h wire.Header, payload []byte) {
		frame := wire.Encode(h, payload)
		require.NoError(t, peerLink.Send(context.Background(), frame, recvAddr))
	}

	send(wire.Header{Type: wire.Start, Seq: 0}, nil)
	require.Equal(t, uint32(1), recvFrame(t, peerLink).Seq)

	// seq 5 is outside [expected=1, expected+window=3): dropped, ACK(expected).
	send(wire.Header{Type: wire.Data, Seq: 5}, []byte("Z"))
	require.Equal(t, uint32(1), recvFrame(t, peerLink).Seq)

	send(wire.Header{Type: wire.Data, Seq: 1}, []byte("A"))
	require.Equal(t, uint32(2), recvFrame(t, peerLink).Seq)

	// Duplicate of 1: dropped, cumulative ACK(expected) re-emitted.
	send(wire.Header{Type: wire.Data, Seq: 1}, []byte("A"))
	require.Equal(t, uint32(2), recvFrame(t, peerLink).Seq)

	require.Equal(t, "A", out.String())
}
