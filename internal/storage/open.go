package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "tgnotify/pkg/logx"
)

// Store is the persistence API used by the session manager and the notifier.
type Store interface {
	RecordContact(ctx context.Context, chatID int64, username string, at time.Time) error
	ListContacts(ctx context.Context) ([]Contact, error)
	AppendDelivery(ctx context.Context, d Delivery) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
