package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionguard/internal/notifier"
	"visionguard/pkg/logx"
)

type memConn struct {
	mu   *sync.Mutex
	sent *[]string
}

func (c memConn) Send(_ context.Context, m notifier.Message) error {
	c.mu.Lock()
	*c.sent = append(*c.sent, m.To)
	c.mu.Unlock()
	return nil
}
func (memConn) Ping(context.Context) error { return nil }
func (memConn) Close() error               { return nil }

func newDispatcher(t *testing.T) (*notifier.Dispatcher, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		sent []string
	)
	dial := notifier.DialerFunc(func(context.Context) (notifier.Conn, error) {
		return memConn{mu: &mu, sent: &sent}, nil
	})
	cfg := notifier.DefaultConfig()
	cfg.RatePerSec = 1000
	cfg.From = "alerts@visionguard.test"
	d := notifier.New(cfg, notifier.Options{Dialer: dial, Log: logx.Nop()})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), sent...)
	}
}

func waitDone(t *testing.T, s *Service, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := s.Status(id)
		require.True(t, ok)
		if !st.DoneAt.IsZero() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("broadcast %s did not finish", id)
	return JobStatus{}
}

func TestBroadcastFansOut(t *testing.T) {
	d, sent := newDispatcher(t)
	s := New(Config{Enabled: true, Workers: 1}, d, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.NewJob("night-shift", []string{"a@example.com", "b@example.com", "A@example.com", " "},
		notifier.TemplateNoObjectsDetected, notifier.P("detectionType", "live"), "")
	require.NoError(t, err)

	st := waitDone(t, s, id)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Done)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 0, st.Failed)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, sent())
}

func TestBroadcastCountsSuppressed(t *testing.T) {
	d, _ := newDispatcher(t)
	s := New(Config{Enabled: true}, d, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	h, err := d.NotifyNoObjectsFound(context.Background(), "a@example.com", "static")
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	id, err := s.NewJob("repeat", []string{"a@example.com"},
		notifier.TemplateNoObjectsDetected, notifier.P("detectionType", "static"), "no_objects_detected:static")
	require.NoError(t, err)
	st := waitDone(t, s, id)
	assert.Equal(t, 1, st.Suppressed)
	assert.Equal(t, 0, st.Sent)
}

func TestBroadcastRejectsBadInput(t *testing.T) {
	d, _ := newDispatcher(t)
	s := New(Config{Enabled: true}, d, logx.Nop())

	_, err := s.NewJob("x", []string{"a@example.com"}, "unknown", nil, "")
	assert.ErrorIs(t, err, notifier.ErrUnknownTemplate)

	_, err = s.NewJob("x", nil, notifier.TemplateNoObjectsDetected, notifier.P("detectionType", "live"), "")
	assert.ErrorIs(t, err, notifier.ErrInvalidRequest)
}

func TestBroadcastNotRunningFailsJob(t *testing.T) {
	d, _ := newDispatcher(t)
	s := New(Config{Enabled: true}, d, logx.Nop())

	id, err := s.NewJob("x", []string{"a@example.com"}, notifier.TemplateNoObjectsDetected, notifier.P("detectionType", "live"), "")
	require.NoError(t, err)
	st, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, 1, st.Failed)
	assert.False(t, st.DoneAt.IsZero())
}
