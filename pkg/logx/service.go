package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./tgnotify.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors log lines at or above MinLevel to a chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     string
	MinLevel   string
	RatePerSec int
}

// Service owns the outputs behind every Logger it hands out.
type Service struct {
	current atomic.Pointer[zerolog.Logger]
	chat    *chatSink

	mu   sync.Mutex
	file *os.File
}

// New applies cfg and returns the service with its root Logger. sender may
// be nil until the bot session exists; see SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) root() zerolog.Logger {
	if zl := s.current.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) SetSender(sender Sender) { s.chat.setSender(sender) }

// Apply rebuilds the outputs from cfg. Loggers already handed out pick up the
// change on their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f := openLogFile(cfg.File.Path); f != nil {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if s.chat.configure(cfg.Telegram) {
		outs = append(outs, s.chat)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.current.Store(&zl)

	// Swap first, so no new event lands on the old file.
	if old != nil {
		_ = old.Close()
	}
}

// Close stops the chat sink and closes the log file. Events logged afterwards
// still reach the console output, if any.
func (s *Service) Close() error {
	s.chat.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// The logger being configured is the one that would report this.
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
