package vrrp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"go.linka.cloud/vrrpd/gossip"
)

var _ Transport = (*GossipTransport)(nil)

// gossipConn is the part of gossip.Transport GossipTransport needs.
type gossipConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
}

// GossipTransport carries advertisement frames over a memberlist cluster
// instead of multicast. Every message is the send time in milliseconds,
// little endian, followed by the frame.
type GossipTransport struct {
	t      gossipConn
	clock  clockwork.Clock
	maxAge time.Duration
}

const gossipHeaderLen = 8

func NewGossipTransport(cfg gossip.Config) (*GossipTransport, error) {
	cfg.Logger = logger.WithField("component", "gossip")
	t, err := gossip.NewTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("NewGossipTransport: %w", err)
	}
	return newGossipTransport(t, clockwork.NewRealClock(), cfg.MaxAge), nil
}

func newGossipTransport(t gossipConn, clock clockwork.Clock, maxAge time.Duration) *GossipTransport {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &GossipTransport{t: t, clock: clock, maxAge: maxAge}
}

func (g *GossipTransport) Send(frame []byte) error {
	b := make([]byte, gossipHeaderLen+len(frame))
	binary.LittleEndian.PutUint64(b, uint64(g.clock.Now().UnixMilli()))
	copy(b[gossipHeaderLen:], frame)
	if err := g.t.Write(context.Background(), b); err != nil {
		return g.classify("GossipTransport.Send", err)
	}
	return nil
}

// Receive returns the next frame younger than the transport's max age.
func (g *GossipTransport) Receive(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		b, err := g.t.Read(ctx)
		if err != nil {
			return nil, g.classify("GossipTransport.Receive", err)
		}
		if len(b) < gossipHeaderLen {
			logger.Warnf("GossipTransport.Receive: message length %v too small", len(b))
			continue
		}
		sent := time.UnixMilli(int64(binary.LittleEndian.Uint64(b)))
		if age := g.clock.Since(sent); age > g.maxAge {
			logger.Debugf("GossipTransport.Receive: dropping message sent %v ago", age)
			continue
		}
		return b[gossipHeaderLen:], nil
	}
}

func (g *GossipTransport) classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrReceiveTimeout
	case errors.Is(err, gossip.ErrClosed):
		return fmt.Errorf("%s: %w: %v", op, ErrTransportBroken, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *GossipTransport) Close() error {
	return g.t.Close()
}
