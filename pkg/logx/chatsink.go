package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers one log line to a chat as plain text. Log lines are full of
// snake_case keys, so they must not go through a Markdown parser.
type Sender interface {
	SendPlain(ctx context.Context, chatID string, text string) error
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatLineLimit   = 3500
	chatValueLimit  = 600
)

type chatLine struct {
	chatID string
	text   string
}

// chatSink mirrors events at or above minLevel to one chat. Writes never
// block: lines over the rate limit or past a full queue are dropped.
type chatSink struct {
	queue chan chatLine
	// Send failures go to stderr, at most once a minute.
	failures rate.Sometimes

	mu       sync.Mutex
	sender   Sender
	chatID   string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ zerolog.LevelWriter = (*chatSink)(nil)

func newChatSink(sender Sender) *chatSink {
	return &chatSink{
		queue:    make(chan chatLine, chatQueueSize),
		failures: rate.Sometimes{Interval: time.Minute},
		sender:   sender,
	}
}

func (c *chatSink) setSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// configure reports whether the sink should be wired into the outputs.
func (c *chatSink) configure(cfg TelegramConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chatID = strings.TrimSpace(cfg.ChatID)
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled {
		return false
	}
	if c.chatID == "" {
		fmt.Fprintln(os.Stderr, "logx: logging.telegram is enabled without a chat_id")
	}
	if c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.run(ctx, c.done)
	}
	return true
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, sender, lim, minLevel := c.chatID, c.sender, c.limiter, c.minLevel
	c.mu.Unlock()

	if level < minLevel || chatID == "" || sender == nil || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := renderChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{chatID: chatID, text: text}:
	default:
	}
	return len(p), nil
}

func (c *chatSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			err := sender.SendPlain(sctx, line.chatID, line.text)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.failures.Do(func() {
					fmt.Fprintf(os.Stderr, "logx: telegram log line not delivered to %s: %v\n", line.chatID, err)
				})
			}
		}
	}
}

// renderChatLine turns a zerolog JSON event into
//
//	WARN message
//	key=value
//
// with keys sorted. Anything that is not JSON is sent trimmed as is.
func renderChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		return clip(string(p), chatLineLimit)
	}

	var b strings.Builder
	if lvl, _ := ev[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	msg, _ := ev[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(ev))
	for k := range ev {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(clip(fmt.Sprint(ev[k]), chatValueLimit))
	}
	return clip(b.String(), chatLineLimit)
}

// clip cuts s to at most n bytes on a rune boundary, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const mark = "..."
	cut := max(0, n-len(mark))
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + mark
}
