package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled           bool
	Workers           int
	QueueSize         int
	RatePerSec        int
	DedupWindow       time.Duration
	DedupMaxEntries   int
	PersistDedup      bool
	DefaultRecipients []string
	SendTimeout       time.Duration
}

// Sender delivers text to one chat.
type Sender interface {
	Send(ctx context.Context, chatID string, text string) error
}

// Notification is one message for one or more chats. Empty ChatIDs means the
// configured default recipients. Key, when set, replaces the text as the
// dedup identity, so a retried build with a new log link still collapses.
type Notification struct {
	ChatIDs []string `json:"chat_ids,omitempty"`
	Text    string   `json:"text"`
	Key     string   `json:"key,omitempty"`
}

// Receipt reports what Notify did with each recipient. ID tags every
// delivery of this notification in history and logs.
type Receipt struct {
	ID      string   `json:"id"`
	Queued  []string `json:"queued"`
	Deduped []string `json:"deduped,omitempty"`
	Dropped []string `json:"dropped,omitempty"`
}

type HistoryItem struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	ChatID string    `json:"chat_id"`
	Bytes  int       `json:"bytes"`
	Error  string    `json:"error,omitempty"`
}

// Event is the payload published on the event bus for notifier events.
type Event struct {
	ChatID string    `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
