package vrrp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"go.linka.cloud/vrrpd/script"
)

// ScriptRunner runs one state change hook and returns its exit status,
// negative when the hook could not be run to completion.
type ScriptRunner interface {
	Run(ctx context.Context, inv script.Invocation) int
}

type VirtualRouter struct {
	id               byte
	priority         byte
	advInt           time.Duration
	skewTime         time.Duration
	masterDownInt    time.Duration
	preempt          bool
	owner            bool
	role             Role
	authType         AuthType
	authData         [AuthDataLen]byte
	vips             []VirtualIP
	virtualMAC       net.HardwareAddr
	virtualMACSource bool

	ifaceName string
	iface     *Interface
	srcIP     net.IP
	exp       Expectation

	faultPolicy  FaultPolicy
	withdraw     WithdrawPolicy
	sourcePolicy SourcePolicy
	garp         bool
	stpLatency   time.Duration
	bridge       string

	masterScript  string
	backupScript  string
	stateScript   string
	scriptTimeout time.Duration
	scripts       ScriptRunner

	transport     Transport
	announcer     AddrAnnouncer
	closers       []func() error
	registry      *Registry
	monitor       *CircuitMonitor
	forwarder     Forwarder
	metrics       *Metrics
	clock         clockwork.Clock
	transitionsCh chan<- Transition
	events        EventPublisher

	// owned by the worker goroutine
	state      State
	timer      clockwork.Timer
	timerKind  TimerKind
	ipID       uint16
	faulted    bool
	macClaimed bool
	forwarding bool
	fatal      error

	packetQueue chan *Received
	errs        chan error
	started     atomic.Bool

	mu     sync.RWMutex
	status Status
}

// Status is a point in time view of a virtual router.
type Status struct {
	VRID               byte
	Interface          string
	State              State
	Priority           byte
	Faulted            bool
	Stopped            bool
	MasterDownInterval time.Duration
	SkewTime           time.Duration
	ArmedTimer         TimerKind
	ArmedFor           time.Duration
	MasterDownArms     uint64
	AdvertTimerArms    uint64
}

// NewVirtualRouter create a new virtual router with designated parameters.
// Unless a transport is given it opens a packet socket on the interface,
// which Run closes when it returns.
func NewVirtualRouter(opts ...Option) (*VirtualRouter, error) {
	r := &VirtualRouter{
		id:               1,
		priority:         defaultPriority,
		advInt:           defaultAdvertisementInterval,
		preempt:          defaultPreempt,
		garp:             true,
		virtualMACSource: true,
		scriptTimeout:    defaultScriptTimeout,
		clock:            clockwork.NewRealClock(),
		state:            Initialize,
	}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, fmt.Errorf("NewVirtualRouter: %w", err)
		}
	}
	if len(r.vips) == 0 {
		return nil, errors.New("NewVirtualRouter: at least one virtual address is required")
	}
	if len(r.vips) > MaxIPCount {
		return nil, fmt.Errorf("NewVirtualRouter: %d virtual addresses, at most %d fit an advertisement", len(r.vips), MaxIPCount)
	}
	if r.priority == OwnerPriority {
		r.owner = true
	}
	if r.owner {
		r.preempt = true
	}
	r.skewTime = SkewTime(r.priority, r.advInt)
	r.masterDownInt = MasterDownInterval(r.advInt, r.skewTime)
	r.virtualMAC = net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, r.id}

	if r.iface == nil {
		if r.ifaceName == "" {
			name, err := defaultIFace()
			if err != nil {
				return nil, fmt.Errorf("NewVirtualRouter: %w", err)
			}
			r.ifaceName = name
		}
		ifi, err := LookupInterface(r.ifaceName)
		if err != nil {
			return nil, fmt.Errorf("NewVirtualRouter: %w", err)
		}
		r.iface = ifi
	}
	r.srcIP = r.sourceIP()
	r.exp = Expectation{
		VRID:     r.id,
		CountIPs: len(r.vips),
		AdvInt:   byte(r.advInt / time.Second),
		AuthType: r.authType,
		AuthData: r.authData,
	}
	if r.scripts == nil {
		r.scripts = &script.Runner{Log: logger}
	}

	if r.transport == nil {
		t, err := NewPacketTransport(r.ifaceName)
		if err != nil {
			return nil, fmt.Errorf("NewVirtualRouter: %w", err)
		}
		r.transport = t
		r.closers = append(r.closers, t.Close)
	}
	if r.announcer == nil && r.garp {
		ar, err := NewIPv4AddrAnnouncer(r.ifaceName, r.registry)
		if err != nil {
			r.closeOwned()
			return nil, fmt.Errorf("NewVirtualRouter: %w", err)
		}
		ar.SetMetrics(r.metrics)
		r.announcer = ar
		r.closers = append(r.closers, ar.Close)
	}

	r.packetQueue = make(chan *Received, PacketQueueSize)
	r.errs = make(chan error, 2)
	r.status = Status{
		VRID:               r.id,
		Interface:          r.ifaceName,
		State:              Initialize,
		Priority:           r.priority,
		MasterDownInterval: r.masterDownInt,
		SkewTime:           r.skewTime,
	}
	r.log().Debugf("virtual router initialized, source %v", r.srcIP)
	return r, nil
}

func (r *VirtualRouter) ID() byte {
	return r.id
}

func (r *VirtualRouter) Interface() string {
	return r.ifaceName
}

func (r *VirtualRouter) VirtualMAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), r.virtualMAC...)
}

func (r *VirtualRouter) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *VirtualRouter) log() *logrus.Entry {
	return routerLog(r.id, r.ifaceName).WithField("state", r.state)
}

func (r *VirtualRouter) sourceIP() net.IP {
	switch r.sourcePolicy {
	case SourceFirstVIP:
		return r.vips[0].IP
	case SourceInterface:
		return r.iface.PrimaryIP.To4()
	default:
		if r.owner {
			return r.vips[0].IP
		}
		return r.iface.PrimaryIP.To4()
	}
}

func (r *VirtualRouter) sourceMAC() net.HardwareAddr {
	if r.virtualMACSource && r.macClaimed {
		return r.virtualMAC
	}
	return r.iface.HardwareAddr
}

func (r *VirtualRouter) closeOwned() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log().WithError(err).Warn("close failed")
		}
	}
	r.closers = nil
}

// Run drives the virtual router until ctx is done, the transport breaks or,
// with FaultStop, a monitored circuit fails. A cancelled context is a
// regular shutdown and returns nil.
func (r *VirtualRouter) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("VirtualRouter.Run: already started")
	}
	if err := r.registry.RegisterVRID(r.ifaceName, r.id); err != nil {
		r.setStopped()
		return fmt.Errorf("VirtualRouter.Run: %w", err)
	}
	defer r.registry.UnregisterVRID(r.ifaceName, r.id)
	defer r.closeOwned()

	readerCtx, stopReader := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.fetchVRRPPacket(readerCtx)
	}()
	defer func() {
		stopReader()
		wg.Wait()
	}()

	var faults <-chan struct{}
	if r.monitor != nil {
		ch, cancel := r.monitor.Subscribe(r.ifaceName)
		defer cancel()
		faults = ch
	}
	if err := r.start(); err != nil {
		r.setStopped()
		return err
	}
	if r.fatal != nil {
		return r.abort(r.fatal)
	}
	return r.eventSelector(ctx, faults)
}

// start leaves Initialize.
func (r *VirtualRouter) start() error {
	if r.monitor != nil {
		if reason, faulted := r.monitor.Fault(r.ifaceName); faulted {
			r.setFaulted(true)
			if r.faultPolicy == FaultStop {
				return fmt.Errorf("VirtualRouter.Run: %w: %s", ErrLocalFault, reason)
			}
			r.log().WithField("reason", reason).Warn("starting with a local fault, staying backup")
		}
	}
	if !r.faulted && (r.priority == OwnerPriority || r.role == RoleMaster) {
		r.log().Debug("enter owner mode")
		r.becomeMaster(Init2Master, "owner")
		return nil
	}
	r.enterBackup(Init2Backup, r.masterDownInt+r.stpLatency, "startup")
	return nil
}

// eventSelector vrrp event selector to handle various triggered events
func (r *VirtualRouter) eventSelector(ctx context.Context, faults <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case err := <-r.errs:
			return r.abort(err)
		case <-faults:
			if err := r.handleFault(); err != nil {
				return err
			}
		case <-r.timerC():
			r.onTimer()
		case pkt := <-r.packetQueue:
			r.onAdvertisement(pkt)
		}
		if r.fatal != nil {
			return r.abort(r.fatal)
		}
	}
}

func (r *VirtualRouter) onTimer() {
	kind := r.timerKind
	r.stopTimer()
	switch {
	case kind == TimerAdvert && r.state == Master:
		r.sendAdvertisement(r.priority)
		r.armTimer(TimerAdvert, r.advInt)
	case kind == TimerMasterDown && r.state == Backup:
		if r.faulted {
			r.log().Debug("master down while faulted, not taking over")
			r.armTimer(TimerMasterDown, r.masterDownInt)
			return
		}
		r.becomeMaster(Backup2Master, "master down")
	default:
		r.log().Errorf("VirtualRouter.onTimer: %s timer fired in %s state", kind, r.state)
	}
}

func (r *VirtualRouter) onAdvertisement(pkt *Received) {
	r.metrics.advertReceived(r.ifaceName, r.id)
	log := r.log().WithFields(logrus.Fields{"from": pkt.Source, "priority": pkt.Priority})
	switch r.state {
	case Backup:
		switch {
		case pkt.Priority == 0:
			log.Debug("master withdrew, waiting skew time")
			r.armTimer(TimerMasterDown, r.skewTime)
		case !r.preempt || pkt.Priority >= r.priority:
			r.armTimer(TimerMasterDown, r.masterDownInt)
		default:
			log.Trace("lower priority master, letting master down timer run")
		}
	case Master:
		switch {
		case pkt.Priority == 0:
			log.Debug("peer withdrew, asserting mastership")
			r.stopTimer()
			r.sendAdvertisement(r.priority)
			r.armTimer(TimerAdvert, r.advInt)
		case pkt.Priority > r.priority || (pkt.Priority == r.priority && ipToUint32(pkt.Source) > ipToUint32(r.srcIP)):
			r.demote(false, fmt.Sprintf("preempted by %v", pkt.Source))
		default:
			log.Trace("discarding lower priority advertisement")
		}
	}
}

func (r *VirtualRouter) becomeMaster(t Transition, reason string) {
	r.stopTimer()
	r.macClaimed = true
	r.registry.ClaimMAC(r.ifaceName, r.virtualMAC)
	r.sendAdvertisement(r.priority)
	if r.fatal != nil {
		return
	}
	if r.garp && r.announcer != nil {
		if err := r.announcer.AnnounceAll(r.vips, r.virtualMAC); err != nil {
			r.log().WithError(err).Warn("gratuitous arp incomplete")
		}
	}
	r.armTimer(TimerAdvert, r.advInt)
	if r.forwarder != nil {
		// a failed Start may have installed some rules, release must clear them
		r.forwarding = true
		if err := r.forwarder.Start(r.vips, r.iface.PrimaryIP); err != nil {
			r.log().WithError(err).Error("start forwarding failed")
		}
	}
	r.setState(Master)
	r.runScripts(Master)
	r.transitionDoWork(t, reason)
}

// demote leaves Master for Backup.
func (r *VirtualRouter) demote(fault bool, reason string) {
	r.stopTimer()
	if r.withdraw.withdraws(fault) {
		r.sendAdvertisement(0)
		if r.fatal != nil {
			return
		}
	}
	r.release()
	r.enterBackup(Master2Backup, r.masterDownInt, reason)
}

func (r *VirtualRouter) enterBackup(t Transition, wait time.Duration, reason string) {
	r.armTimer(TimerMasterDown, wait)
	r.setState(Backup)
	r.runScripts(Backup)
	r.transitionDoWork(t, reason)
}

// release gives back what a master holds: the virtual MAC and forwarding.
func (r *VirtualRouter) release() {
	if r.macClaimed {
		r.registry.ReleaseMAC(r.ifaceName, r.virtualMAC)
		r.macClaimed = false
	}
	if r.forwarding {
		if err := r.forwarder.Stop(); err != nil {
			r.log().WithError(err).Error("stop forwarding failed")
		}
		r.forwarding = false
	}
}

func (r *VirtualRouter) handleFault() error {
	reason, faulted := r.monitor.Fault(r.ifaceName)
	if faulted == r.faulted {
		return nil
	}
	r.setFaulted(faulted)
	if !faulted {
		r.log().Info("monitored circuit recovered")
		return nil
	}
	r.log().WithField("reason", reason).Warn("local fault")
	if r.faultPolicy == FaultStop {
		r.shutdown()
		return fmt.Errorf("VirtualRouter.Run: %w: %s", ErrLocalFault, reason)
	}
	if r.state == Master {
		r.demote(true, "local fault: "+reason)
	}
	return nil
}

// shutdown withdraws a master and moves back to Initialize.
func (r *VirtualRouter) shutdown() {
	r.stopTimer()
	switch r.state {
	case Master:
		r.sendAdvertisement(0)
		r.release()
		r.setState(Initialize)
		r.transitionDoWork(Master2Init, "shutdown")
	case Backup:
		r.setState(Initialize)
		r.transitionDoWork(Backup2Init, "shutdown")
	}
	r.setStopped()
}

// abort stops the router after its transport broke. Nothing is sent.
func (r *VirtualRouter) abort(err error) error {
	r.log().WithError(err).Error("transport broken, stopping virtual router")
	r.stopTimer()
	prev := r.state
	r.release()
	r.setState(Initialize)
	switch prev {
	case Master:
		r.transitionDoWork(Master2Init, "transport broken")
	case Backup:
		r.transitionDoWork(Backup2Init, "transport broken")
	}
	r.setStopped()
	return fmt.Errorf("VirtualRouter.Run: %w", err)
}

func (r *VirtualRouter) sendAdvertisement(priority byte) {
	ips := make([]net.IP, len(r.vips))
	for i, v := range r.vips {
		ips[i] = v.IP
	}
	r.ipID++
	adv := &Advertisement{
		Version:  VRRPv2,
		Type:     AdvertisementType,
		VRID:     r.id,
		Priority: priority,
		AuthType: r.authType,
		AdvInt:   byte(r.advInt / time.Second),
		IPs:      ips,
		AuthData: r.authData,
	}
	buf := make([]byte, FrameLen(len(ips), r.authType))
	n, err := EncodeFrame(buf, &FrameParams{
		SrcMAC:        r.sourceMAC(),
		SrcIP:         r.srcIP,
		ID:            r.ipID,
		Advertisement: adv,
	})
	if err != nil {
		r.log().Errorf("VirtualRouter.sendAdvertisement: %v", err)
		return
	}
	if logger.IsLevelEnabled(logrus.TraceLevel) {
		r.log().Trace(Describe(buf[:n]))
	}
	if err := r.transport.Send(buf[:n]); err != nil {
		r.metrics.sendFailed(r.ifaceName, r.id)
		if errors.Is(err, ErrTransportBroken) {
			r.fatal = err
			return
		}
		r.log().WithError(err).Warn("send advertisement failed, retrying on next tick")
		return
	}
	r.metrics.advertSent(r.ifaceName, r.id)
}

// fetchVRRPPacket read vrrp packet from the transport then push into Packet queue
func (r *VirtualRouter) fetchVRRPPacket(ctx context.Context) {
	log := routerLog(r.id, r.ifaceName)
	for ctx.Err() == nil {
		frame, err := r.transport.Receive(receivePollInterval)
		if err != nil {
			switch {
			case errors.Is(err, ErrReceiveTimeout):
			case errors.Is(err, ErrTransportBroken):
				select {
				case r.errs <- err:
				default:
				}
				return
			case ctx.Err() == nil:
				log.Errorf("VirtualRouter.fetchVRRPPacket: %v", err)
			}
			continue
		}
		pkt, err := DecodeFrame(frame, &r.exp)
		if err != nil {
			reason, _ := RejectReasonOf(err)
			if reason == NotVRRP {
				continue
			}
			r.metrics.rejected(r.ifaceName, r.id, reason)
			entry := log.WithField("reason", reason)
			if reason == VRIDMismatch {
				entry.Debug(err)
			} else {
				entry.Warn(err)
			}
			continue
		}
		if r.isOwnFrame(pkt) {
			continue
		}
		select {
		case r.packetQueue <- pkt:
			log.Trace("VirtualRouter.fetchVRRPPacket: received one advertisement")
		case <-ctx.Done():
			return
		}
	}
}

func (r *VirtualRouter) isOwnFrame(pkt *Received) bool {
	if !pkt.Source.Equal(r.srcIP) {
		return false
	}
	return bytes.Equal(pkt.SourceMAC, r.iface.HardwareAddr) || bytes.Equal(pkt.SourceMAC, r.virtualMAC)
}

func (r *VirtualRouter) timerC() <-chan time.Time {
	if r.timer == nil {
		return nil
	}
	return r.timer.Chan()
}

// armTimer replaces whatever timer is armed. There is never more than one.
func (r *VirtualRouter) armTimer(kind TimerKind, d time.Duration) {
	r.stopTimer()
	r.timer = r.clock.NewTimer(d)
	r.timerKind = kind
	r.mu.Lock()
	r.status.ArmedTimer = kind
	r.status.ArmedFor = d
	switch kind {
	case TimerMasterDown:
		r.status.MasterDownArms++
	case TimerAdvert:
		r.status.AdvertTimerArms++
	}
	r.mu.Unlock()
}

func (r *VirtualRouter) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerKind = TimerNone
	r.mu.Lock()
	r.status.ArmedTimer = TimerNone
	r.status.ArmedFor = 0
	r.mu.Unlock()
}

func (r *VirtualRouter) setState(s State) {
	r.state = s
	r.mu.Lock()
	r.status.State = s
	r.mu.Unlock()
	r.metrics.setState(r.ifaceName, r.id, s)
}

func (r *VirtualRouter) setFaulted(f bool) {
	r.faulted = f
	r.mu.Lock()
	r.status.Faulted = f
	r.mu.Unlock()
}

func (r *VirtualRouter) setStopped() {
	r.mu.Lock()
	r.status.Stopped = true
	r.status.State = r.state
	r.mu.Unlock()
}

func (r *VirtualRouter) runScripts(s State) {
	verb, hook := "backup", r.backupScript
	if s == Master {
		verb, hook = "master", r.masterScript
	}
	if hook != "" {
		r.runScript(verb, script.New(hook).Build())
	}
	if r.stateScript != "" {
		addrs := make([]string, len(r.vips))
		for i, v := range r.vips {
			addrs[i] = v.String()
		}
		r.runScript("state", script.StateInvocation(r.stateScript, verb, r.ifaceName, addrs, r.bridge, r.virtualMAC))
	}
}

func (r *VirtualRouter) runScript(name string, inv script.Invocation) {
	ctx, cancel := context.WithTimeout(context.Background(), r.scriptTimeout)
	defer cancel()
	r.log().WithField("script", inv.Path).Infof("running %s script", name)
	if code := r.scripts.Run(ctx, inv); code != 0 {
		r.metrics.scriptFailed(r.ifaceName, r.id, name)
		r.log().WithFields(logrus.Fields{"script": inv.Path, "status": code}).Warnf("%s script failed", name)
	}
}

func (r *VirtualRouter) transitionDoWork(t Transition, reason string) {
	r.metrics.transition(r.ifaceName, r.id, t)
	r.log().WithFields(logrus.Fields{"transition": t, "reason": reason}).Info("state changed")
	if r.events != nil {
		e := &Event{
			VRID:       r.id,
			Interface:  r.ifaceName,
			Transition: t.String(),
			State:      t.To().String(),
			Priority:   r.priority,
			Reason:     reason,
			Time:       r.clock.Now(),
		}
		if err := r.events.Publish(context.Background(), e); err != nil {
			r.log().WithError(err).Warn("publish transition failed")
		}
	}
	if r.transitionsCh == nil {
		return
	}
	select {
	case r.transitionsCh <- t:
		logger.Debugf("transition [%s] sent", t)
	default:
		r.log().Warnf("transition channel full, dropping [%s]", t)
	}
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
