package notifier

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"tgnotify/internal/eventbus"
	"tgnotify/internal/storage"
	logx "tgnotify/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  map[string][]string
	fail  map[string]bool
	block chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: map[string][]string{}, fail: map[string]bool{}}
}

func (r *recordingSender) Send(ctx context.Context, chatID, text string) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[chatID] = append(r.sent[chatID], text)
	if r.fail[chatID] {
		return errors.New("chat not found")
	}
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.sent {
		n += len(v)
	}
	return n
}

type memStore struct {
	mu         sync.Mutex
	deliveries []storage.Delivery
	dedup      map[string]time.Time
}

func (m *memStore) RecordContact(context.Context, int64, string, time.Time) error { return nil }
func (m *memStore) ListContacts(context.Context) ([]storage.Contact, error) { return nil, nil }
func (m *memStore) Close() error { return nil }

func (m *memStore) AppendDelivery(_ context.Context, d storage.Delivery) error {
	m.mu.Lock()
	m.deliveries = append(m.deliveries, d)
	m.mu.Unlock()
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	if m.dedup == nil {
		m.dedup = map[string]time.Time{}
	}
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dedup[key]
	return t, ok, nil
}

func (m *memStore) deliveryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus, store storage.Store) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, sender, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyFansOut(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	store := &memStore{}
	s := startService(t, Config{}, sender, nil, store)

	rc, err := s.Notify(context.Background(), Notification{ChatIDs: []string{"1", " 2 ", "1", ""}, Text: "build ok"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !slices.Equal(rc.Queued, []string{"1", "2"}) {
		t.Fatalf("queued = %v", rc.Queued)
	}
	waitFor(t, func() bool { return sender.count() == 2 && store.deliveryCount() == 2 })
	h := s.History()
	if len(h) != 2 || rc.ID == "" || h[0].ID != rc.ID || h[1].ID != rc.ID {
		t.Fatalf("history = %+v, receipt id %q", h, rc.ID)
	}
}

func TestNotifyDefaultRecipients(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	s := startService(t, Config{DefaultRecipients: []string{"@ops"}}, sender, nil, nil)

	rc, err := s.Notify(context.Background(), Notification{Text: "x"})
	if err != nil || !slices.Equal(rc.Queued, []string{"@ops"}) {
		t.Fatalf("Notify = %+v, %v", rc, err)
	}
	waitFor(t, func() bool { return sender.count() == 1 })
}

func TestNotifyErrors(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{}, newRecordingSender(), nil, nil)
	if _, err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("no recipients err = %v", err)
	}
	if _, err := s.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: "  "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("empty text err = %v", err)
	}

	disabled := New(Config{Enabled: false}, newRecordingSender(), logx.Nop(), nil, nil)
	if _, err := disabled.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	stopped := New(Config{Enabled: true}, newRecordingSender(), logx.Nop(), nil, nil)
	if _, err := stopped.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, Config{DedupWindow: time.Minute}, sender, bus, nil)

	ctx := context.Background()
	if _, err := s.Notify(ctx, Notification{ChatIDs: []string{"1"}, Text: "same"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	rc, err := s.Notify(ctx, Notification{ChatIDs: []string{"1", "2"}, Text: "same"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !slices.Equal(rc.Deduped, []string{"1"}) || !slices.Equal(rc.Queued, []string{"2"}) {
		t.Fatalf("receipt = %+v", rc)
	}

	// A key collapses notifications whose text differs.
	if _, err := s.Notify(ctx, Notification{ChatIDs: []string{"3"}, Text: "a", Key: "build-7"}); err != nil {
		t.Fatalf("keyed: %v", err)
	}
	rc, _ = s.Notify(ctx, Notification{ChatIDs: []string{"3"}, Text: "b", Key: "build-7"})
	if len(rc.Deduped) != 1 {
		t.Fatalf("keyed receipt = %+v", rc)
	}

	waitFor(t, func() bool { return sender.count() == 3 })
	deduped := 0
	timeout := time.After(time.Second)
	for deduped < 2 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.NotifyDeduped {
				deduped++
			}
		case <-timeout:
			t.Fatalf("saw %d dedup events, want 2", deduped)
		}
	}
}

func TestNotifyPersistsDedup(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	sender := newRecordingSender()
	cfg := Config{DedupWindow: time.Hour, PersistDedup: true}
	s := startService(t, cfg, sender, nil, store)
	if _, err := s.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.dedup) == 1
	})

	// A fresh service sharing the store still suppresses the repeat.
	s2 := startService(t, cfg, sender, nil, store)
	rc, err := s2.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: "x"})
	if err != nil || len(rc.Deduped) != 1 {
		t.Fatalf("restart receipt = %+v, %v", rc, err)
	}
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	sender.block = make(chan struct{})
	s := startService(t, Config{Workers: 1, QueueSize: 1, DedupWindow: time.Minute}, sender, nil, nil)
	defer close(sender.block)

	ctx := context.Background()
	// One job is picked up by the worker and blocks, one fills the queue.
	if _, err := s.Notify(ctx, Notification{ChatIDs: []string{"a"}, Text: "x"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	waitFor(t, func() bool { return s.QueueLen() == 0 })
	if _, err := s.Notify(ctx, Notification{ChatIDs: []string{"b"}, Text: "x"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	rc, err := s.Notify(ctx, Notification{ChatIDs: []string{"c"}, Text: "x"})
	if !errors.Is(err, ErrQueueFull) || !slices.Equal(rc.Dropped, []string{"c"}) {
		t.Fatalf("third = %+v, %v", rc, err)
	}
	// The dropped recipient is not left inside the dedup window.
	s.dmu.Lock()
	_, suppressed := s.dedup[dedupKey("c", "x")]
	s.dmu.Unlock()
	if suppressed {
		t.Fatal("dropped notification still suppresses retries")
	}
}

func TestFailedDeliveryIsNotRetried(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	sender.fail["9"] = true
	store := &memStore{}
	s := startService(t, Config{}, sender, nil, store)

	if _, err := s.Notify(context.Background(), Notification{ChatIDs: []string{"9"}, Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return store.deliveryCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := sender.count(); n != 1 {
		t.Fatalf("send attempts = %d, want 1", n)
	}
	store.mu.Lock()
	d := store.deliveries[0]
	store.mu.Unlock()
	if d.OK || d.Error == "" {
		t.Fatalf("delivery = %+v", d)
	}
}

func TestFailedDeliveryAllowsRetry(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	sender.fail["9"] = true
	store := &memStore{}
	s := startService(t, Config{DedupWindow: time.Hour, PersistDedup: true}, sender, nil, store)
	ctx := context.Background()

	if _, err := s.Notify(ctx, Notification{ChatIDs: []string{"9"}, Text: "disk full"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return store.deliveryCount() == 1 })

	sender.mu.Lock()
	sender.fail["9"] = false
	sender.mu.Unlock()
	rc, err := s.Notify(ctx, Notification{ChatIDs: []string{"9"}, Text: "disk full"})
	if err != nil || !slices.Equal(rc.Queued, []string{"9"}) || len(rc.Deduped) != 0 {
		t.Fatalf("retry receipt = %+v, %v", rc, err)
	}
	waitFor(t, func() bool { return sender.count() == 2 })

	// A delivered retry is marked again, in memory and in the store.
	rc, _ = s.Notify(ctx, Notification{ChatIDs: []string{"9"}, Text: "disk full"})
	if !slices.Equal(rc.Deduped, []string{"9"}) {
		t.Fatalf("after success receipt = %+v", rc)
	}
	waitFor(t, func() bool {
		until, ok, _ := store.GetDedup(ctx, dedupKey("9", "disk full"))
		return ok && until.After(time.Now())
	})
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 64, RatePerSec: 1000}, sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	for i := 0; i < 20; i++ {
		if _, err := s.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if n := sender.count(); n != 20 {
		t.Fatalf("delivered %d, want 20", n)
	}
	if _, err := s.Notify(context.Background(), Notification{ChatIDs: []string{"1"}, Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v", err)
	}
}

func TestReconfigureRestartsPool(t *testing.T) {
	t.Parallel()
	sender := newRecordingSender()
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, sender, logx.Nop(), nil, nil)
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Workers: 1, RatePerSec: 1000})
	first := s.Supervisor()
	if first == nil {
		t.Fatal("Reconfigure did not start the pool")
	}
	s.Reconfigure(ctx, Config{Enabled: true, Workers: 3, RatePerSec: 1000})
	if s.Supervisor() == first {
		t.Fatal("worker count change did not restart the pool")
	}
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil {
		t.Fatal("disable did not stop the pool")
	}
}
