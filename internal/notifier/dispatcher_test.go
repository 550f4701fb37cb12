package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionguard/internal/eventbus"
	"visionguard/pkg/logx"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSec = 1000
	cfg.From = "alerts@visionguard.test"
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config, tr *fakeTransport) *Dispatcher {
	t.Helper()
	d := New(cfg, Options{
		Dialer: tr,
		Log:    logx.Nop(),
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	require.NoError(t, err)
	return r
}

func TestSubmitDeduplicatesWithinWindow(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, testConfig(), tr)

	h1, err := d.NotifyNoObjectsFound(context.Background(), "alice@example.com", "static")
	require.NoError(t, err)
	h2, err := d.NotifyNoObjectsFound(context.Background(), "alice@example.com", "static")
	require.NoError(t, err)

	r2, ok := h2.Result()
	require.True(t, ok, "dedup outcome is known at submit time")
	assert.Equal(t, OutcomeDeduplicated, r2.Outcome)
	assert.Empty(t, r2.Attempts)

	r1 := wait(t, h1)
	assert.Equal(t, OutcomeSuccess, r1.Outcome)
	require.Len(t, tr.Sent(), 1)
	assert.Equal(t, "alice@example.com", tr.Sent()[0].To)
	assert.Equal(t, "alerts@visionguard.test", tr.Sent()[0].From)

	// A different detection type is a different event.
	h3, err := d.NotifyNoObjectsFound(context.Background(), "alice@example.com", "live")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, wait(t, h3).Outcome)
}

func TestSubmitRateLimitsPerRecipient(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, testConfig(), tr)

	var hs []*Handle
	for i := 0; i < 4; i++ {
		h, err := d.Submit(context.Background(), Request{
			Recipient: "bob@example.com",
			Template:  TemplateNoObjectsDetected,
			Params:    P("detectionType", "static"),
			EventKind: fmt.Sprintf("camera-%d", i),
		})
		require.NoError(t, err)
		hs = append(hs, h)
	}
	for _, h := range hs[:3] {
		assert.Equal(t, OutcomeSuccess, wait(t, h).Outcome)
	}
	r4 := wait(t, hs[3])
	assert.Equal(t, OutcomeRateLimited, r4.Outcome)
	assert.Len(t, tr.Sent(), 3)

	// The rate-limited submission must not leave a dedup entry behind.
	assert.True(t, d.dedup.CheckAndReserve(EventKey("bob@example.com", "camera-3"), time.Now()))
}

func TestSubmitDoesNotBlockOnSlowTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	d := newTestDispatcher(t, testConfig(), tr)

	start := time.Now()
	h, err := d.NotifyNoObjectsFound(context.Background(), "carol@example.com", "live")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	<-tr.started
	_, done := h.Result()
	assert.False(t, done)

	close(tr.block)
	assert.Equal(t, OutcomeSuccess, wait(t, h).Outcome)
}

func TestCancelBeforeSendRollsBackPolicy(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.PoolSize = 1
	d := newTestDispatcher(t, cfg, tr)

	first, err := d.NotifyNoObjectsFound(context.Background(), "dave@example.com", "static")
	require.NoError(t, err)
	<-tr.started

	second, err := d.NotifyNoObjectsFound(context.Background(), "erin@example.com", "static")
	require.NoError(t, err)
	second.Cancel()
	close(tr.block)

	assert.Equal(t, OutcomeSuccess, wait(t, first).Outcome)
	r := wait(t, second)
	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Empty(t, r.Attempts)
	assert.ErrorIs(t, r.Err, context.Canceled)

	// Nothing was sent, so the same alert may be submitted again.
	again, err := d.NotifyNoObjectsFound(context.Background(), "erin@example.com", "static")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, wait(t, again).Outcome)
	assert.Equal(t, 2, d.limiter.Remaining("erin@example.com", time.Now()))
}

func TestMissingCredentialsFailWithoutAttempt(t *testing.T) {
	tr := newFakeTransport()
	tr.validErr = fmt.Errorf("%w: missing EMAIL_USER, EMAIL_PASSWORD", ErrConfiguration)
	d := newTestDispatcher(t, testConfig(), tr)

	h, err := d.NotifyNoObjectsFound(context.Background(), "frank@example.com", "static")
	require.NoError(t, err)
	r := wait(t, h)
	assert.Equal(t, OutcomeTerminalFailure, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrConfiguration)
	assert.Empty(t, r.Attempts)
	assert.Equal(t, 0, tr.Dials())
	assert.Equal(t, 3, d.limiter.Remaining("frank@example.com", time.Now()))
	assert.Equal(t, 0, d.dedup.Len())

	assert.ErrorIs(t, d.Probe(context.Background()), ErrConfiguration)
}

func TestAuthFailureStopsAfterOneAttempt(t *testing.T) {
	tr := newFakeTransport()
	tr.dialErr = Permanent(fmt.Errorf("%w: 535 bad credentials", ErrAuthentication))
	d := newTestDispatcher(t, testConfig(), tr)

	h, err := d.NotifyNoObjectsFound(context.Background(), "gina@example.com", "live")
	require.NoError(t, err)
	r := wait(t, h)
	assert.Equal(t, OutcomeTerminalFailure, r.Outcome)
	assert.Len(t, r.Attempts, 1)
	assert.ErrorIs(t, r.Err, ErrAuthentication)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErrs = []error{errors.New("421 try later"), errors.New("connection reset")}
	d := newTestDispatcher(t, testConfig(), tr)

	h, err := d.NotifyNoObjectsFound(context.Background(), "hank@example.com", "live")
	require.NoError(t, err)
	r := wait(t, h)
	assert.Equal(t, OutcomeSuccess, r.Outcome)
	assert.Len(t, r.Attempts, 3)

	// Each failed session is closed and replaced, the good one is kept idle.
	st := d.Stats().Pool
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 3, tr.Dials())
	assert.Equal(t, 2, tr.Closes())
}

func TestTransportPanicFailsAlertAndFreesConnection(t *testing.T) {
	tr := newFakeTransport()
	tr.panics = 1
	cfg := testConfig()
	cfg.PoolSize = 1
	d := newTestDispatcher(t, cfg, tr)

	h, err := d.NotifyNoObjectsFound(context.Background(), "ivy@example.com", "live")
	require.NoError(t, err)
	r := wait(t, h)
	assert.Equal(t, OutcomeTerminalFailure, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrTransportPanic)
	assert.Len(t, r.Attempts, 1)

	st := d.Stats().Pool
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, 1, tr.Closes())

	// The only slot must be usable again.
	h, err = d.NotifyNoObjectsFound(context.Background(), "kim@example.com", "live")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, wait(t, h).Outcome)
	assert.Len(t, tr.Sent(), 1)
}

func TestQueueFullDropsAndRefunds(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.PoolSize = 1
	d := newTestDispatcher(t, cfg, tr)
	defer close(tr.block)

	_, err := d.NotifyNoObjectsFound(context.Background(), "a@example.com", "static")
	require.NoError(t, err)
	<-tr.started
	_, err = d.NotifyNoObjectsFound(context.Background(), "b@example.com", "static")
	require.NoError(t, err)

	h, err := d.NotifyNoObjectsFound(context.Background(), "c@example.com", "static")
	require.NoError(t, err)
	r, ok := h.Result()
	require.True(t, ok)
	assert.Equal(t, OutcomeDropped, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrQueueFull)
	assert.Equal(t, 3, d.limiter.Remaining("c@example.com", time.Now()))
}

func TestSubmitValidation(t *testing.T) {
	d := newTestDispatcher(t, testConfig(), newFakeTransport())

	_, err := d.Submit(context.Background(), Request{Recipient: "x@example.com", Template: "missing"})
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	_, err = d.Submit(context.Background(), Request{Recipient: "x@example.com", Template: TemplateDetectionSummary})
	assert.ErrorIs(t, err, ErrMissingParameter)

	_, err = d.Submit(context.Background(), Request{Recipient: "not-an-address", Template: TemplateNoObjectsDetected})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.NotifyNoObjectsFound(context.Background(), "x@example.com", "thermal")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitAfterStopIsDropped(t *testing.T) {
	d := New(testConfig(), Options{Dialer: newFakeTransport(), Log: logx.Nop()})
	require.NoError(t, d.Start(context.Background()))
	d.Stop(context.Background())

	h, err := d.NotifyNoObjectsFound(context.Background(), "x@example.com", "static")
	require.NoError(t, err)
	r, ok := h.Result()
	require.True(t, ok)
	assert.Equal(t, OutcomeDropped, r.Outcome)
	assert.ErrorIs(t, r.Err, ErrStopped)
}

func TestDisabledDispatcherDrops(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	d := New(cfg, Options{Dialer: newFakeTransport(), Log: logx.Nop()})
	require.NoError(t, d.Start(context.Background()))

	h, err := d.NotifyNoObjectsFound(context.Background(), "x@example.com", "static")
	require.NoError(t, err)
	r := wait(t, h)
	assert.ErrorIs(t, r.Err, ErrDisabled)
}

func TestEventsAndHistory(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	tr := newFakeTransport()
	d := New(testConfig(), Options{Dialer: tr, Log: logx.Nop(), Bus: bus})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	h, err := d.NotifyNoObjectsFound(context.Background(), "ivy@example.com", "live")
	require.NoError(t, err)
	wait(t, h)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			data, ok := ev.Data.(AlertEvent)
			require.True(t, ok)
			assert.Equal(t, h.ID(), data.HandleID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	assert.ElementsMatch(t, []string{eventbus.AlertQueued, eventbus.AlertSent}, types)

	hist := d.History()
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeSuccess, hist[0].Outcome)
	assert.Equal(t, h.ID(), hist[0].HandleID)
}

func TestRestartAfterStop(t *testing.T) {
	tr := newFakeTransport()
	d := New(testConfig(), Options{Dialer: tr, Log: logx.Nop()})
	require.NoError(t, d.Start(context.Background()))
	d.Stop(context.Background())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	h, err := d.NotifyNoObjectsFound(context.Background(), "jay@example.com", "static")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, wait(t, h).Outcome)
}

func TestConcurrentDuplicatesCollapseToOneSend(t *testing.T) {
	tr := newFakeTransport()
	d := newTestDispatcher(t, testConfig(), tr)

	const n = 32
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		hs []*Handle
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := d.NotifyNoObjectsFound(context.Background(), "carol@example.com", "static")
			if err != nil {
				return
			}
			mu.Lock()
			hs = append(hs, h)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	require.Len(t, hs, n)

	counts := map[Outcome]int{}
	for _, h := range hs {
		counts[wait(t, h).Outcome]++
	}
	assert.Equal(t, 1, counts[OutcomeSuccess])
	assert.Equal(t, n-1, counts[OutcomeDeduplicated])
	assert.Len(t, tr.Sent(), 1)
}
