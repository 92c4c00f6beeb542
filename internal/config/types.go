package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Notifier controls the async fan-out pipeline. If omitted it runs with
	// defaults (enabled, 2 workers).
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage is optional; nil disables the contact and delivery logs.
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Reconcile ReconcileConfig `json:"reconcile"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	Paused bool   `json:"paused"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// APIURL overrides https://api.telegram.org (self-hosted Bot API server).
	APIURL string `json:"api_url,omitempty"`
	// Greeting is the reply sent to every inbound chat; "{chat_id}" is substituted.
	Greeting string      `json:"greeting,omitempty"`
	Proxy    ProxyConfig `json:"proxy"`
}

// ProxyConfig selects how the bot reaches the API.
//
// Type is one of DIRECT, HTTP, SOCKS (case-insensitive). Credentials are only
// used when both Username and Password are set.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log records at or above MinLevel into ChatID
// through the live bot session.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// There is no retry: a failed delivery is logged and recorded once.
type NotifierConfig struct {
	Enabled           bool     `json:"enabled"`
	Workers           int      `json:"workers"`
	QueueSize         int      `json:"queue_size"`
	RatePerSec        int      `json:"rate_per_sec"`
	DedupWindow       string   `json:"dedup_window"`
	DedupMaxEntries   int      `json:"dedup_max_entries"`
	PersistDedup      bool     `json:"persist_dedup,omitempty"` // needs storage
	DefaultRecipients []string `json:"default_recipients,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tgnotify_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the local intake endpoint.
//
// Prefer binding to localhost. A non-loopback Addr requires Token unless
// AllowInsecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // expose /debug/pprof/ on the same listener

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// ReconcileConfig re-reads the config file on a cron schedule in case a watch
// event was missed. Empty Schedule means "@every 1m"; "off" disables it.
type ReconcileConfig struct {
	Schedule string `json:"schedule,omitempty"`
}
