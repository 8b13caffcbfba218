package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`

	// Push/SMS configure the outbound channel adapters. A nil section leaves
	// that channel without a sender; dispatch then reports a delivery failure
	// for reminders that selected it.
	Push *PushConfig `json:"push,omitempty"`
	SMS  *SMSConfig  `json:"sms,omitempty"`

	API APIConfig `json:"api"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, lost on exit (tests, demos)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the timer service and occurrence arithmetic.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - catchup_grace: "60s"
//   - sweep_schedule: "0 3 * * *"
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// CatchupGrace is the delay applied to an overdue one-time reminder so a
	// reminder created or recovered slightly late still fires once.
	CatchupGrace string `json:"catchup_grace,omitempty"`

	// SweepSchedule is a cron spec for the store/runtime consistency sweep.
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// DispatchConfig controls outbound delivery during a firing.
//
// Defaults: send_timeout "10s", push_rate_per_sec 5, sms_rate_per_sec 1.
type DispatchConfig struct {
	SendTimeout    string `json:"send_timeout,omitempty"`
	PushRatePerSec int    `json:"push_rate_per_sec,omitempty"`
	SMSRatePerSec  int    `json:"sms_rate_per_sec,omitempty"`
}

type PushConfig struct {
	Endpoint  string `json:"endpoint,omitempty"` // override for tests/proxies
	ProjectID string `json:"project_id"`
	Token     string `json:"token"` // bearer token (do not log)
}

type SMSConfig struct {
	Endpoint   string `json:"endpoint,omitempty"` // override for tests/proxies
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"` // do not log
	From       string `json:"from"`
}

type APIConfig struct {
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
