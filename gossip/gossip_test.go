package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDelegate(t *testing.T) (*delegate, *test.Hook, context.CancelFunc) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newDelegate(ctx, 4, time.Second, log), hook, cancel
}

func TestDelegateDeduplicates(t *testing.T) {
	d, _, _ := testDelegate(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	buf := []byte("advertisement")
	d.NotifyMsg(buf)
	buf[0] = 'X'
	d.NotifyMsg([]byte("advertisement"))

	msg, err := d.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("advertisement"), msg, "message copied out of the memberlist buffer")
	assert.Equal(t, 1, d.q.NumQueued())
	select {
	case <-d.ch:
		t.Fatal("duplicate delivered")
	default:
	}

	// forgotten after max age
	now = now.Add(2 * time.Second)
	d.NotifyMsg([]byte("advertisement"))
	_, err = d.Read(context.Background())
	require.NoError(t, err)
}

func TestDelegateIgnoresOwnMessages(t *testing.T) {
	d, _, _ := testDelegate(t)
	d.Send([]byte("mine"))
	assert.Equal(t, 1, d.q.NumQueued())
	d.NotifyMsg([]byte("mine"))
	select {
	case <-d.ch:
		t.Fatal("own message delivered")
	default:
	}
}

func TestDelegateDropsWhenReaderIsSlow(t *testing.T) {
	d, hook, _ := testDelegate(t)
	for i := 0; i < cap(d.ch)+1; i++ {
		d.NotifyMsg([]byte{byte(i), byte(i >> 8)})
	}
	assert.Len(t, d.ch, cap(d.ch))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDelegateRead(t *testing.T) {
	d, _, cancel := testDelegate(t)
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	_, err := d.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
	_, err = d.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLogBridge(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	l := newLogger(log)

	tests := []struct {
		line  string
		level logrus.Level
		msg   string
	}{
		{line: "[DEBUG] memberlist: Stream connection", level: logrus.DebugLevel, msg: "memberlist: Stream connection"},
		{line: "[INFO] memberlist: Marking node as failed", level: logrus.InfoLevel, msg: "memberlist: Marking node as failed"},
		{line: "[WARN] memberlist: Refuting a suspect message", level: logrus.WarnLevel, msg: "memberlist: Refuting a suspect message"},
		{line: "[ERR] memberlist: Failed to send ping", level: logrus.ErrorLevel, msg: "memberlist: Failed to send ping"},
		{line: "plain line", level: logrus.InfoLevel, msg: "plain line"},
	}
	for _, tt := range tests {
		l.Println(tt.line)
		e := hook.LastEntry()
		require.NotNil(t, e)
		assert.Equal(t, tt.level, e.Level)
		assert.Equal(t, tt.msg, e.Message)
		assert.Equal(t, "memberlist", e.Data["component"])
	}
}

func TestLogwReportsFullLength(t *testing.T) {
	log, _ := test.NewNullLogger()
	w := &logw{logger: log}
	n, err := w.Write([]byte("[INFO] hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)
}
