package vrrp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// CircuitMonitor holds the monitored circuit fault flags shared by every
// worker. Workers only read flags; LinkWatcher or an operator sets them.
type CircuitMonitor struct {
	mu     sync.RWMutex
	faults map[string]string
	subs   map[string]map[chan struct{}]struct{}
}

func NewCircuitMonitor() *CircuitMonitor {
	return &CircuitMonitor{
		faults: make(map[string]string),
		subs:   make(map[string]map[chan struct{}]struct{}),
	}
}

// SetFault marks iface as failed and wakes its subscribers.
func (m *CircuitMonitor) SetFault(iface, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.faults[iface]; ok && old == reason {
		return
	}
	m.faults[iface] = reason
	m.notifyLocked(iface)
}

func (m *CircuitMonitor) ClearFault(iface string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.faults[iface]; !ok {
		return
	}
	delete(m.faults, iface)
	m.notifyLocked(iface)
}

// clearFaultIf clears the fault of iface only while its reason is still
// reason, leaving faults raised by somebody else in place.
func (m *CircuitMonitor) clearFaultIf(iface, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.faults[iface]; !ok || cur != reason {
		return false
	}
	delete(m.faults, iface)
	m.notifyLocked(iface)
	return true
}

func (m *CircuitMonitor) Fault(iface string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, ok := m.faults[iface]
	return reason, ok
}

// Subscribe returns a channel signalled after every change of iface's flag.
// Signals coalesce; read Fault to learn the current value.
func (m *CircuitMonitor) Subscribe(iface string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.subs[iface] == nil {
		m.subs[iface] = make(map[chan struct{}]struct{})
	}
	m.subs[iface][ch] = struct{}{}
	_, faulted := m.faults[iface]
	m.mu.Unlock()
	if faulted {
		ch <- struct{}{}
	}
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[iface], ch)
	}
}

func (m *CircuitMonitor) notifyLocked(iface string) {
	for ch := range m.subs[iface] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type linkState struct {
	up      bool
	running bool
}

func lookupLinkState(name string) (linkState, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return linkState{}, err
	}
	return linkState{
		up:      ifi.Flags&net.FlagUp != 0,
		running: ifi.Flags&net.FlagRunning != 0,
	}, nil
}

// LinkWatcher polls interface flags and raises a fault on the monitor when
// an interface stays down or without carrier for longer than
// CarrierTimeout. It only clears the faults it raised.
type LinkWatcher struct {
	Monitor        *CircuitMonitor
	Interfaces     []string
	Interval       time.Duration
	CarrierTimeout time.Duration
	Clock          clockwork.Clock

	lookup func(name string) (linkState, error)
}

// Run polls until ctx is done.
func (w *LinkWatcher) Run(ctx context.Context) {
	clock := w.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lookup := w.lookup
	if lookup == nil {
		lookup = lookupLinkState
	}
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	downSince := make(map[string]time.Time)
	raised := make(map[string]string)
	tk := clock.NewTicker(interval)
	defer tk.Stop()
	for {
		for _, name := range w.Interfaces {
			st, err := lookup(name)
			log := logger.WithField("interface", name)
			if err != nil || !st.up || !st.running {
				since, ok := downSince[name]
				if !ok {
					since = clock.Now()
					downSince[name] = since
					log.WithFields(logrus.Fields{"up": st.up, "carrier": st.running}).WithError(err).Warn("link down")
				}
				if clock.Since(since) >= w.CarrierTimeout {
					reason := "link down"
					if err != nil {
						reason = err.Error()
					} else if st.up {
						reason = "no carrier"
					}
					if cur, faulted := w.Monitor.Fault(name); faulted && cur != raised[name] {
						// set by an operator, keep their reason
						continue
					}
					w.Monitor.SetFault(name, reason)
					raised[name] = reason
				}
				continue
			}
			if _, ok := downSince[name]; ok {
				log.Info("link up")
				delete(downSince, name)
			}
			if reason, ok := raised[name]; ok {
				w.Monitor.clearFaultIf(name, reason)
				delete(raised, name)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-tk.Chan():
		}
	}
}
