package vrrp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event describes one state transition of a virtual router.
type Event struct {
	VRID       byte      `json:"vrid"`
	Interface  string    `json:"interface"`
	Transition string    `json:"transition"`
	State      string    `json:"state"`
	Priority   byte      `json:"priority"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// EventPublisher receives every transition after it took effect. Publish is
// called from the worker and must not block for long.
type EventPublisher interface {
	Publish(ctx context.Context, e *Event) error
}

// NATSPublisher publishes events as JSON on vrrp.<iface>.<vrid>.transition.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	node   string
}

// NewNATSPublisher publishes on nc. node is sent in the X-Node header so
// subscribers can tell the routers of a group apart.
func NewNATSPublisher(nc *nats.Conn, node string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: "vrrp", node: node}
}

func (p *NATSPublisher) Subject(e *Event) string {
	return fmt.Sprintf("%s.%s.%d.transition", p.prefix, e.Interface, e.VRID)
}

func (p *NATSPublisher) Publish(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("NATSPublisher.Publish: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.Subject(e),
		Data:    data,
		Header:  nats.Header{},
	}
	if p.node != "" {
		msg.Header.Set("X-Node", p.node)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("NATSPublisher.Publish: %w", err)
	}
	return nil
}
