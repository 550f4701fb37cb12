package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionguard/internal/notifier"
	"visionguard/internal/notifier/broadcast"
	"visionguard/internal/storage"
	"visionguard/pkg/logx"
)

type memConn struct{ sent *sentLog }

type sentLog struct {
	mu  sync.Mutex
	tos []string
}

func (c memConn) Send(_ context.Context, m notifier.Message) error {
	c.sent.mu.Lock()
	c.sent.tos = append(c.sent.tos, m.To)
	c.sent.mu.Unlock()
	return nil
}
func (memConn) Ping(context.Context) error { return nil }
func (memConn) Close() error               { return nil }

func newDispatcher(t *testing.T, dialErr error) (*notifier.Dispatcher, *sentLog) {
	t.Helper()
	sent := &sentLog{}
	dial := notifier.DialerFunc(func(context.Context) (notifier.Conn, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return memConn{sent: sent}, nil
	})
	cfg := notifier.DefaultConfig()
	cfg.RatePerSec = 1000
	cfg.MaxAttempts = 1
	cfg.From = "alerts@visionguard.test"
	d := notifier.New(cfg, notifier.Options{Dialer: dial, Log: logx.Nop()})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d, sent
}

type fakeAudit struct {
	recs []storage.DeliveryRecord
	n    int
}

func (f *fakeAudit) Recent(_ context.Context, n int) ([]storage.DeliveryRecord, error) {
	f.n = n
	return f.recs, nil
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type alertJSON struct {
	HandleID string `json:"handle_id"`
	EventKey string `json:"event_key"`
	Done     bool   `json:"done"`
	Result   *struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
	} `json:"result"`
}

func TestHealthzSkipsAuth(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "s3cret", false)

	rec := do(t, r, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, http.MethodGet, "/readyz", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, http.MethodGet, "/readyz", nil, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/readyz?token=s3cret", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsStoppedDispatcher(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "", false)
	d.Stop(context.Background())

	rec := do(t, r, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNoObjectsWaitReturnsOutcome(t *testing.T) {
	d, sent := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "", false)

	rec := do(t, r, http.MethodPost, "/v1/alerts/no-objects",
		map[string]any{"recipient": "ops@example.com", "detection_type": "live", "wait": true}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got alertJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Done)
	require.NotNil(t, got.Result)
	assert.Equal(t, "success", got.Result.Outcome)
	assert.NotEmpty(t, got.HandleID)
	assert.Equal(t, "ops@example.com:no_objects_detected:live", got.EventKey)

	sent.mu.Lock()
	assert.Equal(t, []string{"ops@example.com"}, sent.tos)
	sent.mu.Unlock()

	// Same event again inside the dedup window is settled at submit time.
	rec = do(t, r, http.MethodPost, "/v1/alerts/no-objects",
		map[string]any{"recipient": "ops@example.com", "detection_type": "live"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "deduplicated", got.Result.Outcome)
}

func TestSubmitErrors(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "", false)

	rec := do(t, r, http.MethodPost, "/v1/alerts",
		map[string]any{"recipient": "a@example.com", "template": "nope"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPost, "/v1/alerts",
		map[string]any{"recipient": "a@example.com", "template": "detection_summary"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/v1/alerts",
		map[string]any{"recipient": "", "template": "no_objects_detected", "params": map[string]string{"detectionType": "static"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/v1/alerts", map[string]any{"bogus": 1}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryNewestFirst(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "", false)

	for _, to := range []string{"a@example.com", "b@example.com"} {
		rec := do(t, r, http.MethodPost, "/v1/alerts/no-objects",
			map[string]any{"recipient": to, "detection_type": "static", "wait": true}, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, r, http.MethodGet, "/v1/alerts/history?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []struct {
		Recipient string `json:"recipient"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "b@example.com", got[0].Recipient)

	rec = do(t, r, http.MethodGet, "/v1/alerts/history?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryFromAudit(t *testing.T) {
	d, _ := newDispatcher(t, nil)

	rec := do(t, NewRouter(Deps{Dispatcher: d}, "", false), http.MethodGet, "/v1/alerts/history?source=audit", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	audit := &fakeAudit{recs: []storage.DeliveryRecord{{HandleID: "h1", Outcome: "success"}}}
	rec = do(t, NewRouter(Deps{Dispatcher: d, Audit: audit}, "", false), http.MethodGet, "/v1/alerts/history?source=audit&limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, audit.n)
	assert.Contains(t, rec.Body.String(), `"h1"`)
}

func TestProbe(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	rec := do(t, NewRouter(Deps{Dispatcher: d}, "", false), http.MethodPost, "/v1/smtp/probe", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	bad, _ := newDispatcher(t, errors.New("connection refused"))
	rec = do(t, NewRouter(Deps{Dispatcher: bad}, "", false), http.MethodPost, "/v1/smtp/probe", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "retryable_failure")
}

func TestTemplatesAndPool(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "", false)

	rec := do(t, r, http.MethodGet, "/v1/templates", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names, "no_objects_detected")

	rec = do(t, r, http.MethodGet, "/v1/pool", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_open"`)
}

func TestBroadcastDisabled(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	r := NewRouter(Deps{Dispatcher: d}, "", false)
	rec := do(t, r, http.MethodPost, "/v1/alerts/broadcast", map[string]any{"recipients": []string{"a@example.com"}}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	rec := do(t, NewRouter(Deps{Dispatcher: d}, "", false), http.MethodGet, "/debug/pprof/", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, NewRouter(Deps{Dispatcher: d}, "", true), http.MethodGet, "/debug/pprof/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type recordingBroadcaster struct {
	params notifier.Params
}

func (b *recordingBroadcaster) NewJob(_ string, _ []string, _ string, params notifier.Params, _ string) (string, error) {
	b.params = params
	return "job-1", nil
}

func (b *recordingBroadcaster) Status(string) (broadcast.JobStatus, bool) {
	return broadcast.JobStatus{}, false
}

func TestBroadcastKeepsParamOrder(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	b := &recordingBroadcaster{}
	r := NewRouter(Deps{Dispatcher: d, Broadcast: b}, "", false)

	body := json.RawMessage(`{"name":"night shift","recipients":["a@example.com"],"template":"detection_summary",` +
		`"params":{"objectCount":"3","detectionType":"live","detectedAt":"02:00","note":"x"}}`)
	rec := do(t, r, http.MethodPost, "/v1/alerts/broadcast", body, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var keys []string
	for _, p := range b.params {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"objectCount", "detectionType", "detectedAt", "note"}, keys)
}

func TestOrderedParamsDecoding(t *testing.T) {
	var p orderedParams
	require.NoError(t, json.Unmarshal([]byte(`{"b":"2","a":"1","b":"3"}`), &p))
	assert.Equal(t, orderedParams{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}, {Key: "b", Value: "3"}}, p)
	v, ok := notifier.Params(p).Get("b")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	p = orderedParams{{Key: "x", Value: "y"}}
	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.Nil(t, p)

	assert.Error(t, json.Unmarshal([]byte(`["a","b"]`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &p))
}
