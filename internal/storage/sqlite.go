package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const reminderCols = `id, owner_id, kind, title, description, anchor_at, end_at, frequency, channels, is_active, last_fired_at, created_at`

func (s *sqliteStore) FindActive(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE is_active = 1 ORDER BY anchor_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *sqliteStore) FindByOwner(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE owner_id = ? AND is_active = 1 ORDER BY anchor_at ASC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	rem, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	return rem, err
}

func (s *sqliteStore) Save(ctx context.Context, rem reminder.Reminder) error {
	chans := make([]string, 0, len(rem.Channels))
	for _, c := range rem.Channels {
		chans = append(chans, string(c))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, kind=excluded.kind, title=excluded.title,
		   description=excluded.description, anchor_at=excluded.anchor_at,
		   end_at=excluded.end_at, frequency=excluded.frequency,
		   channels=excluded.channels, is_active=excluded.is_active,
		   last_fired_at=excluded.last_fired_at, created_at=excluded.created_at`,
		rem.ID, rem.OwnerID, string(rem.Kind), rem.Title, nullStr(rem.Description),
		formatTime(rem.AnchorTime), nullTime(rem.EndTime), string(rem.Frequency),
		strings.Join(chans, ","), boolInt(rem.IsActive), nullTime(rem.LastFiredAt),
		formatTime(rem.CreatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Contact(ctx context.Context, ownerID string) (Contact, error) {
	var push, phone sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT push_token, phone_number FROM contacts WHERE owner_id = ?`, ownerID).
		Scan(&push, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return Contact{PushToken: push.String, PhoneNumber: phone.String}, nil
}

func (s *sqliteStore) PutContact(ctx context.Context, ownerID string, c Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(owner_id, push_token, phone_number) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		   push_token=excluded.push_token, phone_number=excluded.phone_number`,
		ownerID, nullStr(c.PushToken), nullStr(c.PhoneNumber))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		rem            reminder.Reminder
		kind, freq     string
		desc, chans    sql.NullString
		anchor, create string
		end, fired     sql.NullString
		active         int
	)
	err := row.Scan(&rem.ID, &rem.OwnerID, &kind, &rem.Title, &desc, &anchor,
		&end, &freq, &chans, &active, &fired, &create)
	if err != nil {
		return reminder.Reminder{}, err
	}
	rem.Kind = reminder.Kind(kind)
	rem.Frequency = reminder.Frequency(freq)
	rem.Description = desc.String
	rem.IsActive = active != 0
	if rem.AnchorTime, err = parseTime(anchor); err != nil {
		return reminder.Reminder{}, err
	}
	if rem.CreatedAt, err = parseTime(create); err != nil {
		return reminder.Reminder{}, err
	}
	if end.Valid {
		if rem.EndTime, err = parseTime(end.String); err != nil {
			return reminder.Reminder{}, err
		}
	}
	if fired.Valid {
		if rem.LastFiredAt, err = parseTime(fired.String); err != nil {
			return reminder.Reminder{}, err
		}
	}
	if chans.String != "" {
		for _, c := range strings.Split(chans.String, ",") {
			rem.Channels = append(rem.Channels, reminder.Channel(c))
		}
	}
	return rem, nil
}

func scanReminders(rows *sql.Rows) ([]reminder.Reminder, error) {
	var out []reminder.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
