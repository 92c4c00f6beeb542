// Package session owns the single live bot session of a process.
//
// The Telegram Bot API only lets a bot write to chats that messaged it first,
// so the session has to stay connected and answer inbound messages even when
// nothing is being sent. Manager keeps exactly one such session, rebuilds it
// when the settings change, and serializes sends against reloads.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tgnotify/internal/eventbus"
	"tgnotify/internal/settings"
	"tgnotify/internal/textcodec"
	"tgnotify/internal/transport"
	logx "tgnotify/pkg/logx"
)

// identityTimeout bounds the getMe check made before a session subscribes.
const identityTimeout = 15 * time.Second

// DefaultGreeting is sent to every chat that messages the bot.
const DefaultGreeting = "Hello! Your chat id is '{chat_id}'.\n" +
	"If you want to receive notifications please add this chat id to the notifier settings."

// ContactRecorder remembers chats that messaged the bot.
type ContactRecorder interface {
	RecordContact(ctx context.Context, chatID int64, username string, at time.Time) error
}

// Status is a point-in-time view of the manager.
type Status struct {
	Active  bool      `json:"active"`
	Paused  bool      `json:"paused"`
	Token   string    `json:"token,omitempty"` // redacted
	Proxy   string    `json:"proxy"`
	Since   time.Time `json:"since,omitempty"`
	Reloads uint64    `json:"reloads"`
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

func WithContacts(r ContactRecorder) Option { return func(m *Manager) { m.contacts = r } }

// WithGreeting overrides the reply text; "{chat_id}" is replaced with the chat id.
func WithGreeting(text string) Option {
	return func(m *Manager) {
		if strings.TrimSpace(text) != "" {
			m.greeting.Store(&text)
		}
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	factory  transport.Factory
	log      logx.Logger
	bus      eventbus.Bus
	contacts ContactRecorder
	greeting atomic.Pointer[string]

	mu       sync.Mutex
	settings *settings.Settings
	sess     *session
	reloads  uint64
}

func New(factory transport.Factory, opts ...Option) *Manager {
	m := &Manager{factory: factory}
	def := DefaultGreeting
	m.greeting.Store(&def)
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	return m
}

// SetGreeting replaces the reply text for the next inbound message. Blank
// text restores DefaultGreeting.
func (m *Manager) SetGreeting(text string) {
	if strings.TrimSpace(text) == "" {
		text = DefaultGreeting
	}
	m.greeting.Store(&text)
}

// ReloadIfNeeded makes the live session match s. Value-equal settings are a
// cheap no-op. A build error or a token the remote rejects is returned wrapped
// in ErrConfiguration; s stays committed, so the same broken settings are not
// rebuilt until they change.
func (m *Manager) ReloadIfNeeded(s settings.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings != nil && *m.settings == s {
		m.log.Debug("bot settings unchanged")
		return nil
	}
	if m.settings == nil && m.sess == nil && !s.Configured() {
		m.settings = &s
		m.log.Debug("bot not configured", logx.Bool("paused", s.Paused), logx.Bool("has_token", s.HasToken()))
		return nil
	}

	m.log.Debug("new bot settings received", logx.String("token", s.RedactedToken()), logx.Bool("paused", s.Paused))
	m.teardownLocked()
	committed := s
	m.settings = &committed
	m.reloads++

	if !s.Configured() {
		return nil
	}
	sess, err := m.open(s)
	if err != nil {
		m.log.Warn("bot session not started", logx.String("token", s.RedactedToken()), logx.Err(err))
		return err
	}
	m.sess = sess
	m.log.Info("bot session started", logx.String("token", s.RedactedToken()), logx.String("proxy", string(s.EffectiveProxy())))
	eventbus.Publish(m.bus, eventbus.SessionStarted, s.RedactedToken())
	return nil
}

// Send delivers text to chatID, split into protocol-sized chunks sent in
// order. Without a live session it does nothing and returns nil. A failing
// chunk stops the rest; earlier chunks are not undone.
func (m *Manager) Send(ctx context.Context, chatID string, text string) error {
	return m.send(ctx, chatID, text, transport.RenderMarkdown)
}

// SendPlain is Send without markup or escape decoding. Log lines go through
// here since they carry underscores and brackets the Markdown parser rejects.
func (m *Manager) SendPlain(ctx context.Context, chatID string, text string) error {
	return m.send(ctx, chatID, text, transport.RenderPlain)
}

func (m *Manager) send(ctx context.Context, chatID, text string, mode transport.RenderMode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sess
	if sess == nil {
		return nil
	}
	return sendChunks(ctx, sess.client, chatID, text, mode)
}

// SendOnce delivers text the way Send does through a throwaway client built
// for s. The client never polls, so a daemon running on the same token keeps
// its updates.
func (m *Manager) SendOnce(ctx context.Context, s settings.Settings, chatID string, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.HasToken() {
		return fmt.Errorf("%w: token is empty", ErrConfiguration)
	}
	if m.factory == nil {
		return fmt.Errorf("%w: no transport factory", ErrConfiguration)
	}
	client, err := m.factory.New(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			m.log.Debug("one-shot client close failed", logx.Err(err))
		}
	}()
	return sendChunks(ctx, client, chatID, text, transport.RenderMarkdown)
}

func sendChunks(ctx context.Context, client transport.Client, chatID, text string, mode transport.RenderMode) error {
	chunks := textcodec.Chunks(text, textcodec.MaxMessageUnits)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if mode == transport.RenderMarkdown {
			chunk = textcodec.DecodeEscapes(chunk)
		}
		if err := client.Send(ctx, chatID, chunk, mode); err != nil {
			return fmt.Errorf("%w: chunk %d/%d to %s: %w", ErrTransport, i+1, len(chunks), chatID, err)
		}
	}
	return nil
}

// RequestDescription builds a throwaway client for s and asks the remote who
// it is. It does not touch the live session.
func (m *Manager) RequestDescription(ctx context.Context, s settings.Settings) (transport.Identity, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.HasToken() {
		return transport.Identity{}, fmt.Errorf("%w: token is empty", ErrConfiguration)
	}
	client, err := m.factory.New(s)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			m.log.Debug("description client close failed", logx.Err(err))
		}
	}()

	id, ok, err := client.Identity(ctx)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if !ok {
		return transport.Identity{}, ErrNotFound
	}
	return id, nil
}

// Destroy tears down the live session and forgets the settings. Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.settings = nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Reloads: m.reloads, Proxy: string(settings.ProxyDirect)}
	if m.settings != nil {
		st.Paused = m.settings.Paused
		st.Token = m.settings.RedactedToken()
		st.Proxy = string(m.settings.EffectiveProxy())
	}
	if m.sess != nil {
		st.Active = true
		st.Since = m.sess.since
	}
	return st
}

func (m *Manager) open(s settings.Settings) (*session, error) {
	if m.factory == nil {
		return nil, fmt.Errorf("%w: no transport factory", ErrConfiguration)
	}
	client, err := m.factory.New(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	// Building a client does no I/O; ask getMe so a rejected token fails the
	// reload instead of leaving a poller spinning on 401s.
	ictx, cancel := context.WithTimeout(context.Background(), identityTimeout)
	id, ok, err := client.Identity(ictx)
	cancel()
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			m.log.Debug("client close after rejected identity", logx.Err(cerr))
		}
		return nil, fmt.Errorf("%w: getMe: %w", ErrConfiguration, err)
	}
	if ok {
		m.log.Debug("bot identity", logx.String("name", id.DisplayName), logx.String("handle", id.Handle))
	}

	sess := &session{settings: s, client: client, since: time.Now()}
	if err := client.Subscribe(func(ctx context.Context, in transport.Inbound) {
		m.greet(ctx, sess, in)
	}); err != nil {
		if cerr := client.Close(); cerr != nil {
			m.log.Debug("client close after failed subscribe", logx.Err(cerr))
		}
		return nil, fmt.Errorf("%w: subscribe: %w", ErrConfiguration, err)
	}
	return sess, nil
}

func (m *Manager) teardownLocked() {
	sess := m.sess
	m.sess = nil
	if sess == nil {
		return
	}
	if err := sess.close(); err != nil {
		m.log.Warn("bot session teardown failed", logx.String("token", sess.settings.RedactedToken()), logx.Err(err))
	}
	m.log.Info("bot session stopped", logx.String("token", sess.settings.RedactedToken()))
	eventbus.Publish(m.bus, eventbus.SessionStopped, sess.settings.RedactedToken())
}

// greet answers an inbound message with the sender's chat id. It runs on the
// client's delivery goroutine and only takes the session lock.
func (m *Manager) greet(ctx context.Context, sess *session, in transport.Inbound) {
	chatID := strconv.FormatInt(in.ChatID, 10)
	text := strings.ReplaceAll(*m.greeting.Load(), "{chat_id}", chatID)

	replied, err := sess.reply(ctx, chatID, text)
	if !replied {
		return
	}
	if err != nil {
		m.log.Warn("greeting failed", logx.String("chat_id", chatID), logx.Err(err))
	} else {
		m.log.Info("greeted chat", logx.String("chat_id", chatID), logx.String("username", in.FromUsername))
	}

	if m.contacts != nil {
		if err := m.contacts.RecordContact(ctx, in.ChatID, in.FromUsername, time.Now()); err != nil {
			m.log.Debug("contact not recorded", logx.String("chat_id", chatID), logx.Err(err))
		}
	}
	eventbus.Publish(m.bus, eventbus.SessionContact, in)
}

// session is one settings-bound client. closed flips under mu before any
// resource is released, so an inbound reply never runs on a closing client.
type session struct {
	settings settings.Settings
	client   transport.Client
	since    time.Time

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func (s *session) reply(ctx context.Context, chatID, text string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, nil
	}
	return true, s.client.Send(ctx, chatID, text, transport.RenderPlain)
}

func (s *session) close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		uerr := s.client.Unsubscribe()
		cerr := s.client.Close()
		switch {
		case uerr != nil && cerr != nil:
			s.closeErr = fmt.Errorf("unsubscribe: %v; close: %w", uerr, cerr)
		case uerr != nil:
			s.closeErr = fmt.Errorf("unsubscribe: %w", uerr)
		case cerr != nil:
			s.closeErr = fmt.Errorf("close: %w", cerr)
		}
	})
	return s.closeErr
}
