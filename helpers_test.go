package vrrp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"go.linka.cloud/vrrpd/script"
)

func init() {
	SetLogLevel(logrus.PanicLevel)
}

// linkHub is an in memory Ethernet segment: a frame sent on one port is
// delivered to every other port.
type linkHub struct {
	mu    sync.Mutex
	ports []*hubPort
}

func newLinkHub() *linkHub {
	return &linkHub{}
}

func (h *linkHub) port() *hubPort {
	p := &hubPort{hub: h, in: make(chan []byte, 256), broken: make(chan struct{})}
	h.mu.Lock()
	h.ports = append(h.ports, p)
	h.mu.Unlock()
	return p
}

type hubPort struct {
	hub    *linkHub
	in     chan []byte
	broken chan struct{}

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
}

func (p *hubPort) Send(frame []byte) error {
	select {
	case <-p.broken:
		return ErrTransportBroken
	default:
	}
	p.mu.Lock()
	err := p.sendErr
	if err == nil {
		p.sent = append(p.sent, append([]byte(nil), frame...))
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	for _, o := range p.hub.ports {
		if o == p {
			continue
		}
		select {
		case o.in <- append([]byte(nil), frame...):
		default:
		}
	}
	return nil
}

func (p *hubPort) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case <-p.broken:
		return nil, ErrTransportBroken
	case f := <-p.in:
		return f, nil
	case <-time.After(timeout):
		return nil, ErrReceiveTimeout
	}
}

func (p *hubPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *hubPort) breakLink() {
	close(p.broken)
}

func (p *hubPort) setSendErr(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

func (p *hubPort) sentFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

// next decodes the next frame delivered to p.
func (p *hubPort) next(t *testing.T, exp *Expectation) *Received {
	t.Helper()
	select {
	case f := <-p.in:
		pkt, err := DecodeFrame(f, exp)
		require.NoError(t, err)
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

type announceCall struct {
	vips []VirtualIP
	mac  net.HardwareAddr
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls []announceCall
}

func (a *fakeAnnouncer) AnnounceAll(vips []VirtualIP, mac net.HardwareAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, announceCall{vips: append([]VirtualIP(nil), vips...), mac: mac})
	return nil
}

func (a *fakeAnnouncer) Calls() []announceCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]announceCall(nil), a.calls...)
}

type fakeScripts struct {
	mu   sync.Mutex
	runs []script.Invocation
	code int
}

func (s *fakeScripts) Run(_ context.Context, inv script.Invocation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, inv)
	return s.code
}

func (s *fakeScripts) Runs() []script.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]script.Invocation(nil), s.runs...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *fakePublisher) Publish(_ context.Context, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

var (
	vip1 = VirtualIP{IP: net.IPv4(10, 0, 0, 1).To4(), Prefix: 24}
	vip2 = VirtualIP{IP: net.IPv4(10, 0, 0, 2).To4(), Prefix: 24}
	vip3 = VirtualIP{IP: net.IPv4(10, 0, 0, 3).To4(), Prefix: 24}
)

func testInterface(last byte) *Interface {
	return &Interface{
		Name:         "eth0",
		Index:        2,
		HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, last},
		PrimaryIP:    net.IPv4(192, 168, 1, last).To4(),
	}
}

type testRouter struct {
	*VirtualRouter
	port        *hubPort
	announcer   *fakeAnnouncer
	transitions chan Transition
}

func newTestRouter(t *testing.T, hub *linkHub, clock clockwork.Clock, last byte, opts ...Option) *testRouter {
	t.Helper()
	tr := &testRouter{
		port:        hub.port(),
		announcer:   &fakeAnnouncer{},
		transitions: make(chan Transition, 16),
	}
	base := []Option{
		WithVRID(1),
		WithInterfaceInfo(testInterface(last)),
		WithVirtualIPs(vip1),
		WithTransport(tr.port),
		WithAnnouncer(tr.announcer),
		WithClock(clock),
		WithTransitions(tr.transitions),
		WithScriptRunner(&fakeScripts{}),
	}
	vr, err := NewVirtualRouter(append(base, opts...)...)
	require.NoError(t, err)
	tr.VirtualRouter = vr
	return tr
}

// start runs the router until the returned stop function or the end of the
// test.
func (tr *testRouter) start(t *testing.T) (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx)
	}()
	var (
		once sync.Once
		err  error
	)
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Error("virtual router did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

func (tr *testRouter) waitFor(t *testing.T, cond func(s Status) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(tr.Status())
	}, 2*time.Second, 2*time.Millisecond, msg)
}

func (tr *testRouter) expectTransition(t *testing.T, want Transition) {
	t.Helper()
	select {
	case got := <-tr.transitions:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s transition", want)
	}
}

// advertFrame encodes an advertisement as a peer at src would send it.
func advertFrame(t *testing.T, vrid, priority byte, src net.IP, advInt byte, vips ...VirtualIP) []byte {
	t.Helper()
	ips := make([]net.IP, len(vips))
	for i, v := range vips {
		ips[i] = v.IP
	}
	a := &Advertisement{
		Version:  VRRPv2,
		Type:     AdvertisementType,
		VRID:     vrid,
		Priority: priority,
		AdvInt:   advInt,
		IPs:      ips,
	}
	buf := make([]byte, FrameLen(len(ips), AuthNone))
	n, err := EncodeFrame(buf, &FrameParams{
		SrcMAC:        net.HardwareAddr{0x02, 0xaa, 0, 0, 0, src.To4()[3]},
		SrcIP:         src,
		Advertisement: a,
	})
	require.NoError(t, err)
	return buf[:n]
}
