package vrrp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of every virtual router in the
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	State           *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	AdvertsSent     *prometheus.CounterVec
	AdvertsReceived *prometheus.CounterVec
	Rejects         *prometheus.CounterVec
	SendErrors      *prometheus.CounterVec
	GARPSent        *prometheus.CounterVec
	GARPErrors      *prometheus.CounterVec
	ScriptFailures  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vrrp_state",
			Help: "Current state of the virtual router (0=initialize, 1=master, 2=backup)",
		}, []string{"interface", "vrid"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_transitions_total",
			Help: "State transitions of the virtual router",
		}, []string{"interface", "vrid", "transition"}),

		AdvertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_adverts_sent_total",
			Help: "Advertisements sent",
		}, []string{"interface", "vrid"}),

		AdvertsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_adverts_received_total",
			Help: "Valid advertisements received",
		}, []string{"interface", "vrid"}),

		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_rejects_total",
			Help: "Inbound frames dropped by validation",
		}, []string{"interface", "vrid", "reason"}),

		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_send_errors_total",
			Help: "Advertisements the transport failed to send",
		}, []string{"interface", "vrid"}),

		GARPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_garp_sent_total",
			Help: "Gratuitous ARP replies sent",
		}, []string{"interface"}),

		GARPErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_garp_errors_total",
			Help: "Gratuitous ARP replies that could not be sent",
		}, []string{"interface"}),

		ScriptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrrp_script_failures_total",
			Help: "State change scripts that exited non zero, failed to start or timed out",
		}, []string{"interface", "vrid", "script"}),
	}

	registry.MustRegister(
		m.State,
		m.Transitions,
		m.AdvertsSent,
		m.AdvertsReceived,
		m.Rejects,
		m.SendErrors,
		m.GARPSent,
		m.GARPErrors,
		m.ScriptFailures,
	)

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func vridLabel(vrid byte) string {
	return strconv.Itoa(int(vrid))
}

func (m *Metrics) setState(iface string, vrid byte, s State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(iface, vridLabel(vrid)).Set(float64(s))
}

func (m *Metrics) transition(iface string, vrid byte, t Transition) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(iface, vridLabel(vrid), t.String()).Inc()
}

func (m *Metrics) advertSent(iface string, vrid byte) {
	if m == nil {
		return
	}
	m.AdvertsSent.WithLabelValues(iface, vridLabel(vrid)).Inc()
}

func (m *Metrics) advertReceived(iface string, vrid byte) {
	if m == nil {
		return
	}
	m.AdvertsReceived.WithLabelValues(iface, vridLabel(vrid)).Inc()
}

func (m *Metrics) rejected(iface string, vrid byte, reason RejectReason) {
	if m == nil {
		return
	}
	m.Rejects.WithLabelValues(iface, vridLabel(vrid), reason.String()).Inc()
}

func (m *Metrics) sendFailed(iface string, vrid byte) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(iface, vridLabel(vrid)).Inc()
}

func (m *Metrics) garpSent(iface string) {
	if m == nil {
		return
	}
	m.GARPSent.WithLabelValues(iface).Inc()
}

func (m *Metrics) garpFailed(iface string) {
	if m == nil {
		return
	}
	m.GARPErrors.WithLabelValues(iface).Inc()
}

func (m *Metrics) scriptFailed(iface string, vrid byte, script string) {
	if m == nil {
		return
	}
	m.ScriptFailures.WithLabelValues(iface, vridLabel(vrid), script).Inc()
}
