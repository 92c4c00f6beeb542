package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tgnotify/internal/notifier"
	rtsup "tgnotify/internal/runtime/supervisor"
	"tgnotify/internal/session"
	"tgnotify/internal/storage"
	logx "tgnotify/pkg/logx"
)

const maxBodyBytes = 1 << 20

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) (notifier.Receipt, error)
	History() []notifier.HistoryItem
	QueueLen() int
	Enabled() bool
}

type SessionStatus interface {
	Status() session.Status
}

type ContactLister interface {
	ListContacts(ctx context.Context) ([]storage.Contact, error)
}

// Deps are the components the handlers read from. Contacts may be nil when
// storage is disabled.
type Deps struct {
	Notifier Notifier
	Sessions SessionStatus
	Contacts ContactLister
	// Tasks reports supervised goroutines keyed by component. Optional.
	Tasks   func() map[string]rtsup.Snapshot
	Started time.Time
}

type statusResponse struct {
	Session  session.Status            `json:"session"`
	Notifier notifierStatus            `json:"notifier"`
	Tasks    map[string]rtsup.Snapshot `json:"tasks,omitempty"`
	Uptime   string                    `json:"uptime,omitempty"`
}

type notifierStatus struct {
	Enabled  bool                   `json:"enabled"`
	QueueLen int                    `json:"queue_len"`
	Recent   []notifier.HistoryItem `json:"recent,omitempty"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Receipt *notifier.Receipt `json:"receipt,omitempty"`
}

const recentMax = 20

// NewHandler builds the intake mux. An empty token disables auth.
func NewHandler(d Deps, token string, log logx.Logger) http.Handler {
	return newMux(d, token, false, log)
}

func newMux(d Deps, token string, pprof bool, log logx.Logger) *http.ServeMux {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: d, log: log}
	auth := bearer(token)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("POST /notify", auth(http.HandlerFunc(h.notify)))
	mux.Handle("GET /status", auth(http.HandlerFunc(h.status)))
	mux.Handle("GET /contacts", auth(http.HandlerFunc(h.contacts)))
	if pprof {
		mountPprof(mux, auth)
	}
	return mux
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) notify(w http.ResponseWriter, r *http.Request) {
	if h.deps.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, notifier.ErrDisabled, nil)
		return
	}
	var n notifier.Notification
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json: "+err.Error()), nil)
		return
	}

	rc, err := h.deps.Notifier.Notify(r.Context(), n)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, rc)
	case errors.Is(err, notifier.ErrEmptyText), errors.Is(err, notifier.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, err, nil)
	case errors.Is(err, notifier.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err, &rc)
	case errors.Is(err, notifier.ErrDisabled), errors.Is(err, notifier.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err, nil)
	default:
		h.log.Warn("notify request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err, nil)
	}
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	var resp statusResponse
	if h.deps.Sessions != nil {
		resp.Session = h.deps.Sessions.Status()
	}
	if n := h.deps.Notifier; n != nil {
		recent := n.History()
		if len(recent) > recentMax {
			recent = recent[len(recent)-recentMax:]
		}
		resp.Notifier = notifierStatus{Enabled: n.Enabled(), QueueLen: n.QueueLen(), Recent: recent}
	}
	if h.deps.Tasks != nil {
		resp.Tasks = h.deps.Tasks()
	}
	if !h.deps.Started.IsZero() {
		resp.Uptime = time.Since(h.deps.Started).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) contacts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Contacts == nil {
		writeError(w, http.StatusNotFound, storage.ErrDisabled, nil)
		return
	}
	cs, err := h.deps.Contacts.ListContacts(r.Context())
	if err != nil {
		h.log.Warn("list contacts failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err, nil)
		return
	}
	if cs == nil {
		cs = []storage.Contact{}
	}
	writeJSON(w, http.StatusOK, cs)
}

// bearer accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				const p = "Bearer "
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error, rc *notifier.Receipt) {
	writeJSON(w, code, errorResponse{Error: err.Error(), Receipt: rc})
}
