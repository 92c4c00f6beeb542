package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tgnotify/internal/notifier"
	rtsup "tgnotify/internal/runtime/supervisor"
	"tgnotify/internal/session"
	"tgnotify/internal/storage"
	logx "tgnotify/pkg/logx"
)

type fakeNotifier struct {
	got []notifier.Notification
	rc  notifier.Receipt
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, n notifier.Notification) (notifier.Receipt, error) {
	f.got = append(f.got, n)
	return f.rc, f.err
}

func (f *fakeNotifier) History() []notifier.HistoryItem {
	return []notifier.HistoryItem{{ChatID: "1", Bytes: 3}}
}

func (f *fakeNotifier) QueueLen() int { return 4 }
func (f *fakeNotifier) Enabled() bool { return true }

type fakeSessions struct{ st session.Status }

func (f fakeSessions) Status() session.Status { return f.st }

type fakeContacts struct{ cs []storage.Contact }

func (f fakeContacts) ListContacts(context.Context) ([]storage.Contact, error) { return f.cs, nil }

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNotifyEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "accepted", body: `{"chat_ids":["1"],"text":"hi"}`, wantCode: http.StatusAccepted},
		{name: "bad json", body: `{"text":`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"text":"hi","priority":9}`, wantCode: http.StatusBadRequest},
		{name: "empty text", body: `{"text":""}`, err: notifier.ErrEmptyText, wantCode: http.StatusBadRequest},
		{name: "no recipients", body: `{"text":"x"}`, err: notifier.ErrNoRecipients, wantCode: http.StatusBadRequest},
		{name: "queue full", body: `{"text":"x","chat_ids":["1"]}`, err: notifier.ErrQueueFull, wantCode: http.StatusTooManyRequests},
		{name: "stopped", body: `{"text":"x","chat_ids":["1"]}`, err: notifier.ErrStopped, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := &fakeNotifier{rc: notifier.Receipt{Queued: []string{"1"}}, err: tt.err}
			h := NewHandler(Deps{Notifier: n}, "", logx.Nop())
			rec := do(t, h, http.MethodPost, "/notify", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestNotifyEndpointPassesRequest(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{rc: notifier.Receipt{Queued: []string{"1", "@ops"}}}
	h := NewHandler(Deps{Notifier: n}, "", logx.Nop())
	rec := do(t, h, http.MethodPost, "/notify", `{"chat_ids":["1","@ops"],"text":"deploy done","key":"d-1"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(n.got) != 1 || n.got[0].Key != "d-1" || len(n.got[0].ChatIDs) != 2 {
		t.Fatalf("notification = %+v", n.got)
	}
	var rc notifier.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &rc); err != nil || len(rc.Queued) != 2 {
		t.Fatalf("receipt = %s (%v)", rec.Body.String(), err)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	h := NewHandler(Deps{Sessions: fakeSessions{}}, "s3cret", logx.Nop())

	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{name: "missing", target: "/status", want: http.StatusUnauthorized},
		{name: "wrong", target: "/status", hdr: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "header", target: "/status", hdr: map[string]string{"Authorization": "Bearer s3cret"}, want: http.StatusOK},
		{name: "query", target: "/status?token=s3cret", want: http.StatusOK},
		{name: "healthz open", target: "/healthz", want: http.StatusOK},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodGet, tt.target, "", tt.hdr); rec.Code != tt.want {
			t.Fatalf("%s: code = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	d := Deps{
		Notifier: &fakeNotifier{},
		Sessions: fakeSessions{st: session.Status{Active: true, Token: "123456..."}},
		Tasks: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"notifier": {Active: 2, Tasks: []rtsup.TaskStats{{Name: "worker.0", Active: 1, Restarts: 3}}}}
		},
		Started: time.Now().Add(-time.Minute),
	}
	rec := do(t, NewHandler(d, "", logx.Nop()), http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Session.Active || resp.Session.Token != "123456..." || resp.Notifier.QueueLen != 4 || len(resp.Notifier.Recent) != 1 {
		t.Fatalf("status = %+v", resp)
	}
	snap, ok := resp.Tasks["notifier"]
	if !ok || snap.Active != 2 || len(snap.Tasks) != 1 || snap.Tasks[0].Restarts != 3 {
		t.Fatalf("tasks = %+v", resp.Tasks)
	}
}

func TestContactsEndpoint(t *testing.T) {
	t.Parallel()
	rec := do(t, NewHandler(Deps{}, "", logx.Nop()), http.MethodGet, "/contacts", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no storage: code = %d", rec.Code)
	}

	d := Deps{Contacts: fakeContacts{cs: []storage.Contact{{ChatID: 5, Username: "bob", Messages: 2}}}}
	rec = do(t, NewHandler(d, "", logx.Nop()), http.MethodGet, "/contacts", "", nil)
	var cs []storage.Contact
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil || len(cs) != 1 || cs[0].ChatID != 5 {
		t.Fatalf("contacts = %s (%v)", rec.Body.String(), err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	rec := do(t, NewHandler(Deps{}, "", logx.Nop()), http.MethodGet, "/notify", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8088": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8088":          false,
		"0.0.0.0:8088":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServiceServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Sessions: fakeSessions{}}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still registered after Stop")
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	off := newMux(Deps{}, "", false, logx.Nop())
	if rec := do(t, off, http.MethodGet, "/debug/pprof/", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off: code = %d", rec.Code)
	}

	on := newMux(Deps{}, "tok", true, logx.Nop())
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without token: code = %d", rec.Code)
	}
	rec := do(t, on, http.MethodGet, "/debug/pprof/cmdline?token=tok", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof cmdline: code = %d", rec.Code)
	}
}
