// Package telegram implements transport.Client on top of telebot.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "tgnotify/internal/runtime/supervisor"
	"tgnotify/internal/settings"
	"tgnotify/internal/transport"
	logx "tgnotify/pkg/logx"
)

const (
	defaultAPIURL      = "https://api.telegram.org"
	defaultPollTimeout = 10 * time.Second
	defaultStopGrace   = 2 * time.Second
	// Floor for the HTTP client timeout; it must also outlive a long poll.
	httpTimeout = time.Minute
	pollSlack   = 15 * time.Second
)

var (
	ErrClosed            = errors.New("telegram client closed")
	ErrAlreadySubscribed = errors.New("telegram client already subscribed")
)

// Factory builds telebot-backed clients. The zero value talks to the public
// Bot API with default timeouts.
type Factory struct {
	APIURL      string
	PollTimeout time.Duration
	StopGrace   time.Duration
	Log         logx.Logger
}

var _ transport.Factory = Factory{}

func (f Factory) New(s settings.Settings) (transport.Client, error) {
	return f.NewClient(s)
}

// NewClient builds a client without any network round trip. Call Identity to
// find out whether the remote accepts the token.
func (f Factory) NewClient(s settings.Settings) (*Client, error) {
	if !s.HasToken() {
		return nil, errors.New("telegram token is empty")
	}
	log := f.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("token", s.RedactedToken()))

	apiURL := strings.TrimRight(strings.TrimSpace(f.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	timeout := f.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	grace := f.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	hc, err := newHTTPClient(s, max(httpTimeout, timeout+pollSlack))
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(s.Token)
	// The poller is installed by Subscribe; a client that never subscribes
	// never polls.
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  hc,
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		hc.CloseIdleConnections()
		return nil, err
	}

	return &Client{
		bot:         b,
		http:        hc,
		log:         log,
		apiURL:      apiURL,
		token:       token,
		pollTimeout: timeout,
		grace:       grace,
	}, nil
}

// Client is one bot session's connection to the Bot API.
type Client struct {
	bot         *tele.Bot
	http        *http.Client
	log         logx.Logger
	apiURL      string
	token       string
	pollTimeout time.Duration
	grace       time.Duration

	mu         sync.Mutex
	sup        *rtsup.Supervisor
	handler    transport.UpdateHandler
	registered bool
	closed     bool
}

var _ transport.Client = (*Client)(nil)

// chatRecipient accepts numeric ids and @channel usernames alike.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func (c *Client) Send(ctx context.Context, chatID string, text string, mode transport.RenderMode) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	opts := &tele.SendOptions{ParseMode: tele.ParseMode(mode)}
	if _, err := c.bot.Send(chatRecipient(strings.TrimSpace(chatID)), text, opts); err != nil {
		return err
	}
	return nil
}

func (c *Client) Identity(ctx context.Context) (transport.Identity, bool, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return transport.Identity{}, false, err
		}
	}
	data, err := c.bot.Raw("getMe", nil)
	if err != nil {
		return transport.Identity{}, false, err
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return transport.Identity{}, false, fmt.Errorf("decode getMe: %w", err)
	}
	if resp.Result == nil || resp.Result.ID == 0 {
		return transport.Identity{}, false, nil
	}
	return transport.Identity{DisplayName: resp.Result.FirstName, Handle: resp.Result.Username}, true, nil
}

// Subscribe registers h for inbound messages and starts long polling.
func (c *Client) Subscribe(h transport.UpdateHandler) error {
	if h == nil {
		return errors.New("nil update handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sup != nil {
		return ErrAlreadySubscribed
	}
	c.handler = h
	if !c.registered {
		c.bot.Handle(tele.OnText, c.onMessage)
		c.bot.Handle(tele.OnMedia, c.onMessage)
		c.registered = true
	}
	sup := rtsup.New(context.Background(),
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.client"))),
	)
	c.sup = sup
	c.bot.Poller = newUpdatePoller(sup.Context(), c.http, c.apiURL, c.token, c.pollTimeout, c.log)
	bot := c.bot
	log := c.log
	sup.Go0("telebot.poll", func(context.Context) {
		log.Info("polling started")
		// Start blocks until Stop is called.
		bot.Start()
		log.Info("polling stopped")
	})
	// Stop pairs with the Start above even when it has not begun yet.
	sup.Go0("telebot.stop", func(ctx context.Context) {
		<-ctx.Done()
		bot.Stop()
	})
	return nil
}

func (c *Client) onMessage(tc tele.Context) error {
	m := tc.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	c.mu.Lock()
	h := c.handler
	sup := c.sup
	c.mu.Unlock()
	if h == nil || sup == nil {
		return nil
	}
	in := transport.Inbound{
		ChatID:    m.Chat.ID,
		MessageID: m.ID,
		Text:      m.Text,
	}
	if m.Sender != nil {
		in.FromID = m.Sender.ID
		in.FromUsername = m.Sender.Username
	}
	h(sup.Context(), in)
	return nil
}

// Unsubscribe stops polling. Cancelling the subscription aborts a long poll
// in flight, so this returns well within the stop grace.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.handler = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.Background(), c.grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("telegram poller did not stop within %s", c.grace)
		}
		return err
	}
	return nil
}

// Close unsubscribes and drops idle connections. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Unsubscribe()
	c.http.CloseIdleConnections()
	return err
}
