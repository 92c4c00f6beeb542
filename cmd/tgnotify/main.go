package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tgnotify/internal/app"
	"tgnotify/internal/config"
	"tgnotify/internal/session"
	"tgnotify/internal/transport/telegram"
	logx "tgnotify/pkg/logx"
)

const usage = `usage: tgnotify <command> [flags]

commands:
  run    keep the bot session alive and serve notifications
  send   send one message and exit
  whoami print the bot identity for the configured token
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = run(ctx, os.Args[2:])
	case "send":
		err = send(ctx, os.Args[2:])
	case "whoami":
		err = whoami(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	_ = fs.Parse(args)

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

// oneShot loads the config and builds a session manager that is not wired to
// the notifier or the config watcher.
func oneShot(path string) (*config.Config, *session.Manager, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(level) == "" {
		level = "warn"
	}
	log := logx.NewConsole(level)
	f := telegram.Factory{
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		PollTimeout: cfg.PollTimeout(10 * time.Second),
		Log:         log.With(logx.String("comp", "telegram")),
	}
	m := session.New(f,
		session.WithLogger(log.With(logx.String("comp", "session"))),
		session.WithGreeting(cfg.Telegram.Greeting),
	)
	return cfg, m, nil
}

func send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	chat := fs.String("chat", "", "recipient chat id or @channel")
	text := fs.String("text", "", "message text; hex escapes such as 0x1F525 are decoded")
	timeout := fs.Duration("timeout", 30*time.Second, "overall send timeout")
	_ = fs.Parse(args)

	if strings.TrimSpace(*chat) == "" {
		return errors.New("-chat is required")
	}
	cfg, m, err := oneShot(*cfgPath)
	if err != nil {
		return err
	}

	s := cfg.Settings()
	if !s.Configured() {
		return errors.New("bot is not configured (token missing or paused)")
	}
	// No session: a running daemon keeps polling this token undisturbed.
	sctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	return m.SendOnce(sctx, s, *chat, *text)
}

func whoami(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	timeout := fs.Duration("timeout", 15*time.Second, "request timeout")
	_ = fs.Parse(args)

	cfg, m, err := oneShot(*cfgPath)
	if err != nil {
		return err
	}
	defer m.Destroy()

	pctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	id, err := m.RequestDescription(pctx, cfg.Settings())
	if err != nil {
		return err
	}
	fmt.Printf("%s (@%s)\n", id.DisplayName, id.Handle)
	return nil
}
