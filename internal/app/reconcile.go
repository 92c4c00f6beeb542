package app

import (
	"context"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	logx "tgnotify/pkg/logx"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// reconciler re-reads the config file on a cron schedule so a missed fsnotify
// event never leaves a stale session behind.
type reconciler struct {
	mu      sync.Mutex
	log     logx.Logger
	refresh func(context.Context) (bool, error)

	ctx  context.Context
	c    *cron.Cron
	spec string
}

func newReconciler(refresh func(context.Context) (bool, error), log logx.Logger) *reconciler {
	return &reconciler{refresh: refresh, log: log}
}

// Reschedule replaces the running schedule. An empty spec stops it.
func (r *reconciler) Reschedule(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil && spec == r.spec {
		return nil
	}
	r.stopLocked()
	if spec == "" {
		r.log.Debug("config reconcile disabled")
		return nil
	}

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(spec, r.run); err != nil {
		return err
	}
	r.ctx = ctx
	r.c = c
	r.spec = spec
	c.Start()
	r.log.Debug("config reconcile scheduled", logx.String("schedule", spec))
	return nil
}

func (r *reconciler) run() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	changed, err := r.refresh(ctx)
	switch {
	case err != nil:
		r.log.Warn("config reconcile failed", logx.Err(err))
	case changed:
		r.log.Info("config reconcile picked up a change")
	}
}

// Stop waits for a running refresh to finish or ctx to expire.
func (r *reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.spec = ""
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *reconciler) stopLocked() {
	if r.c == nil {
		return
	}
	// Do not wait here: run() takes r.mu.
	r.c.Stop()
	r.c = nil
	r.spec = ""
}
