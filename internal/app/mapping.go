package app

import (
	"time"

	"remindd/internal/api"
	"remindd/internal/config"
	"remindd/internal/engine"
	"remindd/internal/notify"
	"remindd/internal/storage"
	"remindd/internal/timerwheel"
	"remindd/pkg/logx"
)

// Mapping functions translate the file-facing config structs into each
// component's own Config. Durations arrive as strings and are validated here;
// a bad value in a hot-reloaded file is rejected without taking the process
// down.

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorage(c config.StorageConfig) storage.Config {
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		busy = 0
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}
}

func mapTimers(c config.SchedulerConfig) timerwheel.Config {
	return timerwheel.Config{
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
	}
}

func mapEngine(c config.SchedulerConfig) (engine.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.catchup_grace", c.CatchupGrace, 60*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		CatchupGrace:  grace,
		SweepSchedule: c.SweepSchedule,
	}, nil
}

func mapDispatch(c config.DispatchConfig) notify.Config {
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, 10*time.Second)
	if err != nil {
		timeout = 10 * time.Second
	}
	return notify.Config{
		SendTimeout:    timeout,
		PushRatePerSec: c.PushRatePerSec,
		SMSRatePerSec:  c.SMSRatePerSec,
	}
}

func mapAPI(c config.APIConfig) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", c.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", c.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", c.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         c.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
