package vrrp

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.setState("eth0", 1, Master)
	m.transition("eth0", 1, Backup2Master)
	m.rejected("eth0", 1, BadChecksum)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `vrrp_state{interface="eth0",vrid="1"} 1`)
	assert.Contains(t, string(body), `vrrp_transitions_total{interface="eth0",transition="backup to master",vrid="1"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.setState("eth0", 1, Master)
	m.advertSent("eth0", 1)
	m.garpFailed("eth0")
	m.scriptFailed("eth0", 1, "master")
}

func TestRouterMetrics(t *testing.T) {
	metrics := NewMetrics()
	hub := newLinkHub()
	r := newTestRouter(t, hub, clockwork.NewFakeClock(), 10, WithRole(RoleMaster), WithMetrics(metrics))
	stop := r.start(t)
	r.waitFor(t, inState(Master), "master")
	require.NoError(t, stop())

	assert.Equal(t, float64(Initialize), testutil.ToFloat64(metrics.State.WithLabelValues("eth0", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Transitions.WithLabelValues("eth0", "1", Init2Master.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Transitions.WithLabelValues("eth0", "1", Master2Init.String())))
	// the advertisement and the withdrawal
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AdvertsSent.WithLabelValues("eth0", "1")))
}
