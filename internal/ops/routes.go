package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visionguard/internal/notifier"
	"visionguard/internal/notifier/broadcast"
	"visionguard/internal/storage"
)

// Dispatcher is the part of notifier.Dispatcher the ops API drives.
type Dispatcher interface {
	Submit(ctx context.Context, req notifier.Request) (*notifier.Handle, error)
	NotifyNoObjectsFound(ctx context.Context, recipient, detectionType string) (*notifier.Handle, error)
	Probe(ctx context.Context) error
	History() []notifier.Result
	Stats() notifier.Stats
}

type Broadcaster interface {
	NewJob(name string, recipients []string, template string, params notifier.Params, eventKind string) (string, error)
	Status(jobID string) (broadcast.JobStatus, bool)
}

// AuditReader is satisfied by storage.Store.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]storage.DeliveryRecord, error)
}

// Deps are the collaborators behind the routes. Broadcast and Audit are optional.
type Deps struct {
	Dispatcher Dispatcher
	Broadcast  Broadcaster
	Audit      AuditReader
}

type server struct {
	deps    Deps
	maxWait time.Duration
}

// NewRouter builds the ops API. token guards everything except /healthz.
func NewRouter(deps Deps, token string, withPprof bool) *mux.Router {
	s := &server{deps: deps, maxWait: 60 * time.Second}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthz).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(bearerAuth(token))
	api.HandleFunc("/readyz", s.readyz).Methods("GET")
	api.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api.HandleFunc("/v1/alerts", s.submit).Methods("POST")
	api.HandleFunc("/v1/alerts/no-objects", s.noObjects).Methods("POST")
	api.HandleFunc("/v1/alerts/history", s.history).Methods("GET")
	api.HandleFunc("/v1/alerts/broadcast", s.newBroadcast).Methods("POST")
	api.HandleFunc("/v1/alerts/broadcast/{id}", s.broadcastStatus).Methods("GET")
	api.HandleFunc("/v1/templates", s.templates).Methods("GET")
	api.HandleFunc("/v1/smtp/probe", s.probe).Methods("POST")
	api.HandleFunc("/v1/pool", s.pool).Methods("GET")

	if withPprof {
		api.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		api.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		api.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		api.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		api.PathPrefix("/debug/pprof/").HandlerFunc(hpprof.Index)
	}
	return r
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Dispatcher.Stats()
	code := http.StatusOK
	if !st.Running {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

type alertResponse struct {
	HandleID string           `json:"handle_id"`
	EventKey string           `json:"event_key"`
	Done     bool             `json:"done"`
	Result   *notifier.Result `json:"result,omitempty"`
}

type noObjectsRequest struct {
	Recipient     string `json:"recipient"`
	DetectionType string `json:"detection_type"`
	// Wait blocks the request until the outcome is known (bounded).
	Wait bool `json:"wait,omitempty"`
}

func (s *server) noObjects(w http.ResponseWriter, r *http.Request) {
	var req noObjectsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h, err := s.deps.Dispatcher.NotifyNoObjectsFound(r.Context(), req.Recipient, req.DetectionType)
	s.respondHandle(w, r, h, err, req.Wait)
}

type submitRequest struct {
	Recipient string        `json:"recipient"`
	Template  string        `json:"template"`
	Params    orderedParams `json:"params,omitempty"`
	EventKind string        `json:"event_kind,omitempty"`
	Wait      bool          `json:"wait,omitempty"`
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h, err := s.deps.Dispatcher.Submit(r.Context(), notifier.Request{
		Recipient: req.Recipient,
		Template:  req.Template,
		Params:    notifier.Params(req.Params),
		EventKind: req.EventKind,
	})
	s.respondHandle(w, r, h, err, req.Wait)
}

func (s *server) respondHandle(w http.ResponseWriter, r *http.Request, h *notifier.Handle, err error, wait bool) {
	if err != nil {
		writeError(w, submitErrorStatus(err), err)
		return
	}
	resp := alertResponse{HandleID: h.ID(), EventKey: h.EventKey()}
	if wait {
		ctx, cancel := context.WithTimeout(r.Context(), s.maxWait)
		defer cancel()
		// A timeout only ends the wait; delivery continues.
		_, _ = h.Wait(ctx)
	}
	code := http.StatusAccepted
	if res, ok := h.Result(); ok {
		resp.Done = true
		resp.Result = &res
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, notifier.ErrUnknownTemplate):
		return http.StatusNotFound
	case errors.Is(err, notifier.ErrMissingParameter), errors.Is(err, notifier.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, 1000)
	}

	if r.URL.Query().Get("source") == "audit" {
		if s.deps.Audit == nil {
			writeError(w, http.StatusNotFound, storage.ErrDisabled)
			return
		}
		recs, err := s.deps.Audit.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	hist := s.deps.Dispatcher.History()
	// Newest first, like the audit view.
	out := make([]notifier.Result, 0, min(limit, len(hist)))
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	writeJSON(w, http.StatusOK, out)
}

type broadcastRequest struct {
	Name       string        `json:"name"`
	Recipients []string      `json:"recipients"`
	Template   string        `json:"template"`
	Params     orderedParams `json:"params,omitempty"`
	EventKind  string        `json:"event_kind,omitempty"`
}

func (s *server) newBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcast == nil {
		writeError(w, http.StatusNotFound, errors.New("broadcast disabled"))
		return
	}
	var req broadcastRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.deps.Broadcast.NewJob(req.Name, req.Recipients, req.Template, notifier.Params(req.Params), req.EventKind)
	if err != nil {
		writeError(w, submitErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *server) broadcastStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcast == nil {
		writeError(w, http.StatusNotFound, errors.New("broadcast disabled"))
		return
	}
	st, ok := s.deps.Broadcast.Status(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown broadcast job"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) templates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, notifier.Templates())
}

func (s *server) probe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	start := time.Now()
	err := s.deps.Dispatcher.Probe(ctx)
	resp := map[string]any{"ok": err == nil, "took_ms": time.Since(start).Milliseconds()}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp["error"] = err.Error()
	resp["class"] = notifier.Classify(err).String()
	code := http.StatusBadGateway
	if errors.Is(err, notifier.ErrConfiguration) {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *server) pool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.Stats().Pool)
}

// orderedParams is a JSON object of string values decoded in body order.
type orderedParams notifier.Params

func (p *orderedParams) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("params must be an object of strings")
	}
	var out orderedParams
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var v string
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("params[%q]: %w", key, err)
		}
		out = append(out, notifier.Param{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
