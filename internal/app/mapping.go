package app

import (
	"strings"
	"time"

	"tgnotify/internal/config"
	"tgnotify/internal/httpapi"
	"tgnotify/internal/notifier"
	"tgnotify/internal/storage"
	"tgnotify/internal/transport/telegram"
	logx "tgnotify/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     strings.TrimSpace(cfg.Logging.Telegram.ChatID),
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegramFactory(cfg *config.Config, log logx.Logger) telegram.Factory {
	return telegram.Factory{
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		PollTimeout: cfg.PollTimeout(defaultPollTimeout),
		Log:         log,
	}
}

// mapNotifierConfig expects a config that already passed config.Validate.
func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.NotifierOrDefault()
	window, _ := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	return notifier.Config{
		Enabled:           n.Enabled,
		Workers:           n.Workers,
		QueueSize:         n.QueueSize,
		RatePerSec:        n.RatePerSec,
		DedupWindow:       window,
		DedupMaxEntries:   n.DedupMaxEntries,
		PersistDedup:      n.PersistDedup,
		DefaultRecipients: n.DefaultRecipients,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, true
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	rt, _ := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	wt, _ := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 10*time.Second)
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}
}
