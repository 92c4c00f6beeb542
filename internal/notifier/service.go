package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tgnotify/internal/eventbus"
	rtsup "tgnotify/internal/runtime/supervisor"
	"tgnotify/internal/storage"
	logx "tgnotify/pkg/logx"
)

var (
	ErrDisabled     = errors.New("notifier disabled")
	ErrQueueFull    = errors.New("notifier queue full")
	ErrStopped      = errors.New("notifier stopped")
	ErrNoRecipients = errors.New("notifier: no recipients")
	ErrEmptyText    = errors.New("notifier: empty text")
)

const (
	historyMax         = 300
	defaultSendTimeout = 30 * time.Second
)

type job struct {
	id       string
	chatID   string
	text     string
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service implements the async notification pipeline:
// queue + worker pool + rate limit + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
	// orders store writes of dedup marks; taken before dmu
	persistMu sync.Mutex

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	cfg.DefaultRecipients = normalizeRecipients(cfg.DefaultRecipients)

	s.cfg = cfg
	// burst = rate per sec so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Reconfigure applies cfg. Rate, dedup and recipients change in place; a
// change of worker count, queue size or enabled state restarts the pool
// after draining what is already queued.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.queue != nil
	s.applyLocked(cfg)
	next := s.cfg
	s.mu.Unlock()

	restart := prev.Enabled != next.Enabled ||
		prev.Workers != next.Workers ||
		prev.QueueSize != next.QueueSize ||
		prev.PersistDedup != next.PersistDedup
	switch {
	case !next.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case restart:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// a broken worker must not take the process down
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch := s.sup, s.queue, s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			return s.persistLoop(c, pch)
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", workers), logx.Int("queue_size", cap(q)))
}

// Stop stops intake and drains the queue until ctx is done; after that the
// workers are cancelled and whatever is left is dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Let in-flight Notify calls finish enqueueing before closing.
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Debug("notifier stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n for every recipient that is not inside its dedup window.
// ErrQueueFull is returned (wrapped) when at least one recipient was dropped;
// the receipt tells which.
func (s *Service) Notify(ctx context.Context, n Notification) (Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(n.Text) == "" {
		return Receipt{}, ErrEmptyText
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return Receipt{}, ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return Receipt{}, ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	recipients := normalizeRecipients(n.ChatIDs)
	if len(recipients) == 0 {
		recipients = cfg.DefaultRecipients
	}
	if len(recipients) == 0 {
		return Receipt{}, ErrNoRecipients
	}

	identity := n.Key
	if identity == "" {
		identity = n.Text
	}

	rc := Receipt{ID: uuid.NewString()}
	for _, chatID := range recipients {
		key := dedupKey(chatID, identity)
		if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
			rc.Deduped = append(rc.Deduped, chatID)
			s.publish(eventbus.NotifyDeduped, chatID, key, nil)
			continue
		}
		select {
		case q <- job{id: rc.ID, chatID: chatID, text: n.Text, dedupKey: key}:
			rc.Queued = append(rc.Queued, chatID)
		default:
			// Not sent, so it must not suppress the next attempt.
			s.dedupForget(key, cfg.PersistDedup)
			rc.Dropped = append(rc.Dropped, chatID)
			s.publish(eventbus.NotifyDropped, chatID, key, ErrQueueFull)
			s.log.Warn("notification dropped", logx.String("chat_id", chatID), logx.Int("queue_cap", cap(q)))
		}
	}
	if len(rc.Dropped) > 0 {
		return rc, fmt.Errorf("%w: %d of %d recipients dropped", ErrQueueFull, len(rc.Dropped), len(recipients))
	}
	return rc, nil
}

// History returns the most recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// QueueLen reports queued jobs; 0 when not running.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ, chatID, key string, err error) {
	ev := Event{ChatID: chatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return
	}
	if err := lim.Wait(runCtx); err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
	start := time.Now()
	err := s.sender.Send(callCtx, j.chatID, j.text)
	cancel()
	took := time.Since(start)

	item := HistoryItem{ID: j.id, At: start, ChatID: j.chatID, Bytes: len(j.text)}
	if err != nil {
		item.Error = err.Error()
		// A failed send must not block the caller's retry.
		if cfg.DedupWindow > 0 {
			s.dedupForget(j.dedupKey, cfg.PersistDedup)
		}
		s.log.Warn("notification failed", logx.String("id", j.id), logx.String("chat_id", j.chatID), logx.Duration("took", took), logx.Err(err))
		s.publish(eventbus.NotifyFailed, j.chatID, j.dedupKey, err)
	} else {
		s.log.Debug("notification sent", logx.String("id", j.id), logx.String("chat_id", j.chatID), logx.Duration("took", took))
		s.publish(eventbus.NotifySent, j.chatID, j.dedupKey, nil)
	}
	s.appendHistory(item)

	if s.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		derr := s.store.AppendDelivery(sctx, storage.Delivery{
			At:     start,
			ChatID: j.chatID,
			Key:    j.dedupKey,
			Bytes:  len(j.text),
			OK:     err == nil,
			Error:  item.Error,
			TookMS: took.Milliseconds(),
		})
		cancel()
		if derr != nil {
			s.log.Debug("delivery not recorded", logx.Err(derr))
		}
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			s.persistDedup(ctx, w)
		}
	}
}

// persistDedup stores w unless the mark was forgotten or replaced since it was
// queued. persistMu keeps it from racing dedupForget's expired write.
func (s *Service) persistDedup(ctx context.Context, w dedupWrite) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.dmu.Lock()
	cur, ok := s.dedup[w.key]
	s.dmu.Unlock()
	if !ok || !cur.Equal(w.until) {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
		s.log.Debug("dedup not persisted", logx.Err(err))
	}
}

func dedupKey(chatID, identity string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(chatID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(identity))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Persistent check (best-effort) for cross-restart dedup.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, t := range s.dedup {
		if !now.Before(t) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: evict earliest expiries first.
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// dedupForget drops the mark for key, and overwrites the stored one with an
// expired mark when persist is set.
func (s *Service) dedupForget(key string, persist bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()

	if !persist || s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.store.PutDedup(ctx, key, time.Now()); err != nil {
		s.log.Debug("dedup mark not cleared", logx.Err(err))
	}
}

// normalizeRecipients trims, drops blanks and removes duplicates, keeping
// first-seen order.
func normalizeRecipients(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
