// Package rtplog carries the per-transfer logging conventions shared by
// the sender and receiver sessions: every log line is tagged with a
// transfer id, and the sender's lines also with the peer address, the way
// the teacher's vif/tcp handler tags every line with "CON %s".
package rtplog

import (
	"context"
	"fmt"
	"net"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// InitLogger attaches a logrus-backed dlog.Logger to ctx at the given
// level, the same wiring the teacher's daemon does through its internal
// logging package, minus the log-rotation and timed-level machinery this
// two-process pipe has no use for.
func InitLogger(ctx context.Context, level string) (context.Context, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return ctx, fmt.Errorf("rtp/rtplog: %w", err)
	}
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return dlog.WithLogger(ctx, dlog.WrapLogrus(l)), nil
}

// WithTransfer returns a context whose dlog field map identifies this
// transfer by a freshly generated id: role, a dash, and the first eight
// characters of a random UUID. WithPeer adds the peer address.
func WithTransfer(ctx context.Context, role string) context.Context {
	return dlog.WithField(ctx, "transfer", role+"-"+uuid.NewString()[:8])
}

// WithPeer tags ctx with the peer's address for the remainder of the
// transfer. A nil addr leaves ctx unchanged.
func WithPeer(ctx context.Context, addr *net.UDPAddr) context.Context {
	if addr == nil {
		return ctx
	}
	return dlog.WithField(ctx, "peer", addr.String())
}
