package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON files next to Path (contacts snapshot, jsonl logs)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Contact is a chat that messaged the bot.
type Contact struct {
	ChatID    int64     `json:"chat_id"`
	Username  string    `json:"username,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  int       `json:"messages"`
}

// Delivery records one notifier delivery to one recipient.
type Delivery struct {
	At     time.Time `json:"at"`
	ChatID string    `json:"chat_id"`
	Key    string    `json:"key,omitempty"`
	Bytes  int       `json:"bytes"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}
