package logx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan struct{}
	err  error
}

func (r *recordingSender) SendPlain(_ context.Context, chatID string, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, chatID+"|"+text)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return r.err
}

func (r *recordingSender) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func chatConfig(minLevel string) Config {
	return Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     "-1001",
			MinLevel:   minLevel,
			RatePerSec: 10,
		},
	}
}

func TestRenderChatLine(t *testing.T) {
	t.Parallel()
	got := renderChatLine([]byte(`{"level":"warn","message":"queue full","queue_cap":8,"chat_id":"42","time":"x"}` + "\n"))
	want := "WARN queue full\nchat_id=42\nqueue_cap=8"
	if got != want {
		t.Fatalf("renderChatLine = %q, want %q", got, want)
	}
	if got := renderChatLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "abcdefghijklmnop", n: 12, want: "abcdefghi..."},
		{in: "short", n: 12, want: "short"},
		// "é" is two bytes; the cut must not split it.
		{in: "aaaaé" + "zzzzzz", n: 8, want: "aaaa..."},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Fatalf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestChatSinkRespectsMinLevel(t *testing.T) {
	rec := &recordingSender{ch: make(chan struct{}, 4)}
	svc, log := New(chatConfig("WARN"), rec)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("quiet")
	log.Warn("loud", String("chat_id", "42"))

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink did not deliver")
	}

	got := rec.lines()
	if len(got) != 1 {
		t.Fatalf("sent %d lines, want 1: %q", len(got), got)
	}
	// Underscores reach the sender untouched.
	if !strings.HasPrefix(got[0], "-1001|WARN loud") || !strings.Contains(got[0], "\nchat_id=42") {
		t.Fatalf("unexpected line: %q", got[0])
	}
}

func TestChatSinkAttachedLater(t *testing.T) {
	svc, log := New(chatConfig("ERROR"), nil)
	t.Cleanup(func() { _ = svc.Close() })

	log.Error("before sender")
	rec := &recordingSender{ch: make(chan struct{}, 4)}
	svc.SetSender(rec)
	log.Error("after sender")

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink did not deliver")
	}
	got := rec.lines()
	if len(got) != 1 || !strings.Contains(got[0], "after sender") {
		t.Fatalf("lines = %q", got)
	}
}

func TestChatSinkSurvivesSendFailures(t *testing.T) {
	rec := &recordingSender{ch: make(chan struct{}, 8), err: errors.New("can't parse entities")}
	svc, log := New(chatConfig("WARN"), rec)

	log.Warn("first")
	log.Warn("second")
	for i := 0; i < 2; i++ {
		select {
		case <-rec.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker stopped after %d failed sends", i)
		}
	}

	done := make(chan struct{})
	go func() {
		_ = svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung")
	}
}

func TestChatSinkDisabled(t *testing.T) {
	rec := &recordingSender{ch: make(chan struct{}, 1)}
	cfg := chatConfig("DEBUG")
	cfg.Telegram.Enabled = false
	svc, log := New(cfg, rec)
	t.Cleanup(func() { _ = svc.Close() })

	log.Error("not mirrored")
	select {
	case <-rec.ch:
		t.Fatal("disabled sink delivered a line")
	case <-time.After(100 * time.Millisecond):
	}
}
