// Package gossip carries opaque messages to every member of a memberlist
// cluster. It stands in for multicast on links that do not forward it.
package gossip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Read and Write once the transport is closed.
var ErrClosed = errors.New("gossip: transport closed")

// Resolve looks up the SRV records of name and returns host:port peers.
func Resolve(service, proto, name string) ([]string, error) {
	_, addrs, err := net.LookupSRV(service, proto, name)
	if err != nil {
		return nil, err
	}
	var records []string
	for _, addr := range addrs {
		ips, err := net.LookupIP(addr.Target)
		if err != nil {
			return nil, err
		}
		for _, v := range ips {
			address := v.String()
			if addr.Port > 0 {
				address = net.JoinHostPort(address, fmt.Sprint(addr.Port))
			}
			records = append(records, address)
		}
	}
	return records, nil
}

var _ memberlist.Broadcast = &broadcast{}

type broadcast struct {
	msg []byte
}

func (b *broadcast) Invalidates(_ memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                         { return b.msg }
func (b *broadcast) UniqueBroadcast()                        {}
func (b *broadcast) Finished()                               {}

func hash(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

var _ memberlist.Delegate = (*delegate)(nil)

// delegate rebroadcasts every message it has not seen within maxAge and
// hands it to the reader.
type delegate struct {
	ctx    context.Context
	q      *memberlist.TransmitLimitedQueue
	ch     chan []byte
	mu     sync.Mutex
	seen   map[string]time.Time
	maxAge time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
}

func newDelegate(ctx context.Context, retransmitMult int, maxAge time.Duration, log logrus.FieldLogger) *delegate {
	return &delegate{
		ctx: ctx,
		q: &memberlist.TransmitLimitedQueue{
			RetransmitMult: retransmitMult,
			NumNodes:       func() int { return 1 },
		},
		ch:     make(chan []byte, 64),
		seen:   make(map[string]time.Time),
		maxAge: maxAge,
		now:    time.Now,
		log:    log,
	}
}

func (d *delegate) NodeMeta(_ int) []byte {
	return nil
}

func (d *delegate) Send(msg []byte) {
	d.mu.Lock()
	d.seen[hash(msg)] = d.now()
	d.mu.Unlock()
	d.q.QueueBroadcast(&broadcast{msg: msg})
}

// markSeen reports whether h was unknown, recording it.
func (d *delegate) markSeen(h string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, v := range d.seen {
		if now.Sub(v) > d.maxAge {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[h]; ok {
		return false
	}
	d.seen[h] = now
	return true
}

func (d *delegate) NotifyMsg(bytes []byte) {
	if !d.markSeen(hash(bytes)) {
		return
	}
	// memberlist reuses the buffer
	b := make([]byte, len(bytes))
	copy(b, bytes)
	d.q.QueueBroadcast(&broadcast{msg: b})
	select {
	case d.ch <- b:
	default:
		d.log.Warn("gossip: reader too slow, dropping message")
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.q.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(_ bool) []byte {
	return nil
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	d.log.Debugf("merge remote state: %d bytes (join: %v)", len(buf), join)
}

func (d *delegate) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-d.ctx.Done():
		return nil, ErrClosed
	case msg := <-d.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config describes the local member and the peers to join.
type Config struct {
	// Name defaults to the host name.
	Name     string
	BindAddr string
	Port     int
	Interval time.Duration
	Peers    []string
	// MaxAge is how long a message is remembered for deduplication.
	MaxAge time.Duration
	Logger logrus.FieldLogger
}

type Transport struct {
	list     *memberlist.Memberlist
	delegate *delegate
	cancel   context.CancelFunc
}

func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	return t.delegate.Read(ctx)
}

func (t *Transport) Write(_ context.Context, msg []byte) error {
	if t.delegate.ctx.Err() != nil {
		return ErrClosed
	}
	t.delegate.Send(msg)
	return nil
}

func (t *Transport) NumMembers() int {
	return t.list.NumMembers()
}

func NewTransport(cfg Config) (t *Transport, err error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	config := memberlist.DefaultLANConfig()
	config.BindAddr = cfg.BindAddr
	config.BindPort = cfg.Port
	config.AdvertisePort = cfg.Port
	if cfg.BindAddr != "" && cfg.BindAddr != "0.0.0.0" {
		config.AdvertiseAddr = cfg.BindAddr
	}
	if cfg.Name == "" {
		cfg.Name, err = os.Hostname()
		if err != nil {
			return nil, err
		}
	}
	config.Name = cfg.Name
	if cfg.Interval > 0 {
		config.GossipInterval = cfg.Interval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	config.LogOutput = nil
	config.Logger = newLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	t = &Transport{
		delegate: newDelegate(ctx, config.RetransmitMult, cfg.MaxAge, log),
		cancel:   cancel,
	}
	config.Delegate = t.delegate
	t.list, err = memberlist.Create(config)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip.NewTransport: %w", err)
	}
	t.delegate.q.NumNodes = t.list.NumMembers
	if len(cfg.Peers) > 0 {
		if _, err = t.list.Join(cfg.Peers); err != nil {
			t.Close()
			return nil, fmt.Errorf("gossip.NewTransport: %w", err)
		}
	}
	return t, nil
}

func (t *Transport) Close() error {
	t.cancel()
	if err := t.list.Leave(time.Second); err != nil {
		t.delegate.log.Warnf("gossip: leave: %v", err)
	}
	return t.list.Shutdown()
}
