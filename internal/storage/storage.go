package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default when empty)
//   - "memory": in-process store, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Contact is the recipient lookup result for an owner. Either field may be
// empty; dispatch treats a missing field as a per-channel delivery failure.
type Contact struct {
	PushToken   string `json:"pushToken,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// ContactDirectory is the narrow read interface dispatch needs. The full
// Store implements it; a real deployment could back it by the identity
// service instead.
type ContactDirectory interface {
	Contact(ctx context.Context, ownerID string) (Contact, error)
}

// Store is the persistence API used by the reminder engine.
// Save must be atomic per record: a reader sees either the old or the new
// row, never a partial write.
type Store interface {
	ContactDirectory

	FindActive(ctx context.Context) ([]reminder.Reminder, error)
	// FindByOwner returns the owner's active reminders ordered by anchor time
	// ascending.
	FindByOwner(ctx context.Context, ownerID string) ([]reminder.Reminder, error)
	Get(ctx context.Context, id string) (reminder.Reminder, error)
	Save(ctx context.Context, rem reminder.Reminder) error
	DeleteByID(ctx context.Context, id string) error

	PutContact(ctx context.Context, ownerID string, c Contact) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
