package vrrp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestNATSPublisher(t *testing.T) {
	nc, err := nats.Connect(startNATS(t))
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("vrrp.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	p := NewNATSPublisher(nc, "node-a")
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), &Event{
		VRID:       5,
		Interface:  "eth0",
		Transition: Backup2Master.String(),
		State:      Master.String(),
		Priority:   150,
		Reason:     "master down",
		Time:       at,
	}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "vrrp.eth0.5.transition", msg.Subject)
	assert.Equal(t, "node-a", msg.Header.Get("X-Node"))

	var e Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, byte(5), e.VRID)
	assert.Equal(t, "backup to master", e.Transition)
	assert.Equal(t, "master", e.State)
	assert.Equal(t, byte(150), e.Priority)
	assert.True(t, at.Equal(e.Time))
}

func TestRouterPublishesTransitionsOverNATS(t *testing.T) {
	nc, err := nats.Connect(startNATS(t))
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("vrrp.eth0.1.transition")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	hub := newLinkHub()
	r := newTestRouter(t, hub, clockwork.NewFakeClock(), 10, WithOwner(true), WithEventPublisher(NewNATSPublisher(nc, "")))
	stop := r.start(t)
	r.waitFor(t, inState(Master), "owner")
	require.NoError(t, stop())

	var got []string
	for i := 0; i < 2; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Empty(t, msg.Header.Get("X-Node"))
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		got = append(got, e.Transition)
	}
	assert.Equal(t, []string{Init2Master.String(), Master2Init.String()}, got)
}
