// Package dgram abstracts the unreliable datagram socket collaborator
// (spec.md §6): an interface both the sender and receiver sessions talk
// to, with a real UDP implementation here and a fault-injecting one in
// internal/rtptest for deterministic end-to-end tests.
package dgram

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// Socket is the datagram-transport collaborator. Send is unreliable: it
// may silently drop. Recv honors ctx for cancellation and read-deadline
// purposes; a timed-out read returns context.DeadlineExceeded.
type Socket interface {
	// Send transmits buf to addr. Implementations may truncate or drop it.
	Send(ctx context.Context, buf []byte, addr *net.UDPAddr) error

	// Recv blocks until a datagram arrives, ctx is done, or the deadline
	// carried by ctx elapses, whichever comes first. n is the number of
	// bytes written into buf; from is the sender's address.
	Recv(ctx context.Context, buf []byte) (n int, from *net.UDPAddr, err error)

	// LocalAddr returns the address this socket is bound to.
	LocalAddr() *net.UDPAddr

	Close() error
}

// udpSocket is the real, kernel-backed Socket implementation.
type udpSocket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket to addr (the receiver's usage: a fixed local
// port) and returns it wrapped as a Socket.
func Listen(addr *net.UDPAddr) (Socket, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

// Unbound returns a Socket bound to an ephemeral local port, suitable for
// the sender, which only ever talks to one peer.
func Unbound() (Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) Send(_ context.Context, buf []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(buf, addr)
	return err
}

func (s *udpSocket) Recv(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return 0, nil, err
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, nil, err
		}
	}
	// Cancelling ctx unblocks a pending read by moving the deadline to now.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return n, addr, cerr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, addr, context.DeadlineExceeded
		}
	}
	return n, addr, err
}

func (s *udpSocket) LocalAddr() *net.UDPAddr {
	a, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return a
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
