package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tgnotify/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens and passwords are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	oldS, newS := oldCfg.Settings(), newCfg.Settings()
	if oldS != newS ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		oldCfg.Telegram.Greeting != newCfg.Telegram.Greeting {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.token", newS.RedactedToken()),
			logx.Bool("telegram.token_changed", oldS.Token != newS.Token),
			logx.Bool("telegram.paused", newS.Paused),
			logx.String("telegram.proxy", string(newS.EffectiveProxy())),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldN, newN := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.default_recipients", len(newN.DefaultRecipients)),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if oldCfg.ReconcileSchedule() != newCfg.ReconcileSchedule() {
		changed = append(changed, "reconcile")
		attrs = append(attrs, logx.String("reconcile.schedule", newCfg.ReconcileSchedule()))
	}

	sort.Strings(changed)
	return changed, attrs
}
