package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"tgnotify/internal/settings"
)

const (
	DefaultHTTPAddr          = "127.0.0.1:8088"
	DefaultReconcileSchedule = "@every 1m"
)

// Settings maps the telegram section to the value the session manager
// compares on reload. The proxy type is validated by Validate; an unknown type
// here falls back to DIRECT.
func (c *Config) Settings() settings.Settings {
	if c == nil {
		return settings.Settings{}
	}
	t := c.Telegram
	pt, err := settings.ParseProxyType(t.Proxy.Type)
	if err != nil {
		pt = settings.ProxyDirect
	}
	return settings.Settings{
		Token:     strings.TrimSpace(t.Token),
		Paused:    t.Paused,
		UseProxy:  t.Proxy.Enabled,
		ProxyType: pt,
		ProxyHost: strings.TrimSpace(t.Proxy.Host),
		ProxyPort: t.Proxy.Port,
		ProxyUser: t.Proxy.Username,
		ProxyPass: t.Proxy.Password,
	}
}

// NotifierOrDefault returns the notifier section with defaults applied.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       512,
			RatePerSec:      20,
			DedupWindow:     "1m",
			DedupMaxEntries: 2000,
		}
	}
	n := *c.Notifier
	if n.Workers <= 0 {
		n.Workers = 2
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 512
	}
	if n.DedupMaxEntries <= 0 {
		n.DedupMaxEntries = 2000
	}
	return n
}

// ReconcileSchedule returns the cron spec, or "" when reconcile is off.
func (c *Config) ReconcileSchedule() string {
	if c == nil {
		return DefaultReconcileSchedule
	}
	s := strings.TrimSpace(c.Reconcile.Schedule)
	switch strings.ToLower(s) {
	case "":
		return DefaultReconcileSchedule
	case "off", "none", "disabled":
		return ""
	}
	return s
}

// Validate checks fields that would otherwise fail later at runtime. It is
// installed as the watch validator so a broken edit never replaces a good
// config.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	p := c.Telegram.Proxy
	if _, err := settings.ParseProxyType(p.Type); err != nil {
		errs = append(errs, fmt.Errorf("telegram.proxy.type: %w", err))
	}
	if p.Port < 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("telegram.proxy.port: %d out of range", p.Port))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Logging.Telegram.ChatID) == "" {
		errs = append(errs, errors.New("logging.telegram.chat_id: required when enabled"))
	}

	if n := c.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.DedupMaxEntries < 0 {
			errs = append(errs, errors.New("notifier: negative sizes are not allowed"))
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if c.HTTP.Enabled {
		addr := strings.TrimSpace(c.HTTP.Addr)
		if addr == "" {
			addr = DefaultHTTPAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("http.addr: %w", err))
		}
		for path, raw := range map[string]string{
			"http.read_timeout":  c.HTTP.ReadTimeout,
			"http.write_timeout": c.HTTP.WriteTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// PollTimeout returns telegram.poll_timeout or def.
func (c *Config) PollTimeout(def time.Duration) time.Duration {
	if c == nil {
		return def
	}
	d, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, def)
	if err != nil {
		return def
	}
	return d
}
