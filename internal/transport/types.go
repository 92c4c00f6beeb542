package transport

import (
	"context"

	"tgnotify/internal/settings"
)

// RenderMode selects how the remote renders message text.
type RenderMode string

const (
	RenderPlain    RenderMode = ""
	RenderMarkdown RenderMode = "Markdown"
	RenderHTML     RenderMode = "HTML"
)

// Identity is what the remote reports about the bot itself (getMe).
type Identity struct {
	DisplayName string
	Handle      string
}

// Inbound is a message delivered to the bot.
type Inbound struct {
	ChatID       int64
	MessageID    int
	FromID       int64
	FromUsername string
	Text         string
}

// UpdateHandler receives inbound messages. Every delivered update is treated as
// acknowledged once the handler returns.
type UpdateHandler func(ctx context.Context, in Inbound)

// Client is a credential-bound connection to the remote bot protocol.
type Client interface {
	Send(ctx context.Context, chatID string, text string, mode RenderMode) error
	// Identity returns ok=false when the remote reports no identity.
	Identity(ctx context.Context) (id Identity, ok bool, err error)
	Subscribe(h UpdateHandler) error
	Unsubscribe() error
	// Close releases network resources. It implies Unsubscribe and is idempotent.
	Close() error
}

// Factory builds clients from settings.
type Factory interface {
	New(s settings.Settings) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(s settings.Settings) (Client, error)

func (f FactoryFunc) New(s settings.Settings) (Client, error) { return f(s) }
