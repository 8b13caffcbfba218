// Package app assembles the process: config, logging, storage, timers,
// dispatch, the engine, and the HTTP API, in that order. Recovery runs before
// the API starts listening so every persisted reminder is booked before any
// traffic can race it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindd/internal/api"
	"remindd/internal/config"
	"remindd/internal/engine"
	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/notify/fcm"
	"remindd/internal/notify/twilio"
	"remindd/internal/storage"
	"remindd/internal/timerwheel"
	"remindd/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	timers   *timerwheel.Service
	dispatch *notify.Dispatcher
	engine   *engine.Service
	api      *api.Server

	cancelWatch context.CancelFunc
}

// New loads the config file and constructs every component. Nothing is
// running yet; Run starts the process.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	store, err := storage.Open(mapStorage(cfg.Storage), log.With(logx.String("svc", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	timers := timerwheel.New(mapTimers(cfg.Scheduler), log.With(logx.String("svc", "timers")))
	dispatch := notify.New(mapDispatch(cfg.Dispatch), pushSender(cfg), smsSender(cfg),
		log.With(logx.String("svc", "dispatch")))

	engCfg, err := mapEngine(cfg.Scheduler)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	eng, err := engine.New(engCfg, store, timers, dispatch, bus, log.With(logx.String("svc", "engine")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	apiCfg, err := mapAPI(cfg.API)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	srv := api.New(apiCfg, eng, store, log.With(logx.String("svc", "api")))

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		store:    store,
		timers:   timers,
		dispatch: dispatch,
		engine:   eng,
		api:      srv,
	}, nil
}

// Run starts the engine and blocks until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	a.timers.Start(ctx)

	booked, err := a.engine.Recover(ctx)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("recovery: %w", err)
	}
	a.log.Info("engine recovered", logx.Int("booked", booked))

	if err := a.api.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start api: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	a.cancelWatch = cancelWatch
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()
	go a.applyUpdates(watchCtx)
	go a.logEvents(watchCtx)

	// Tell systemd we are serving; a no-op outside a systemd unit.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify", logx.Err(err))
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go a.watchdog(watchCtx, interval/2)
	}
	a.log.Info("remindd ready")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.api.Stop(stopCtx)
	a.timers.Stop(stopCtx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", logx.Err(err))
	}
	a.log.Info("remindd stopped")
	a.logSvc.Close()
}

// applyUpdates consumes config reloads and applies the hot-reloadable
// sections. Storage, API listener, and worker counts require a restart.
func (a *App) applyUpdates(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(mapLogging(cfg.Logging))
			a.dispatch.Apply(mapDispatch(cfg.Dispatch))
			if engCfg, err := mapEngine(cfg.Scheduler); err != nil {
				a.log.Warn("scheduler config rejected", logx.Err(err))
			} else if err := a.engine.Apply(engCfg); err != nil {
				a.log.Warn("scheduler config rejected", logx.Err(err))
			}
			a.log.Info("config applied")
		}
	}
}

func (a *App) watchdog(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// logEvents turns engine lifecycle events into the operator log.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("svc", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fe, _ := e.Data.(eventbus.FiringEvent)
			switch e.Type {
			case eventbus.TypeReminderFired:
				log.Info("reminder fired",
					logx.String("id", fe.ReminderID), logx.Time("fire_at", fe.FireAt))
			case eventbus.TypeReminderRetired:
				log.Info("reminder retired", logx.String("id", fe.ReminderID))
			case eventbus.TypeDispatchFailed:
				log.Warn("delivery failed",
					logx.String("id", fe.ReminderID), logx.String("channel", fe.Channel),
					logx.String("error", fe.Error))
			}
		}
	}
}

func pushSender(cfg *config.Config) notify.PushSender {
	if cfg.Push == nil {
		return nil
	}
	return fcm.New(fcm.Config{
		Endpoint:  cfg.Push.Endpoint,
		ProjectID: cfg.Push.ProjectID,
		Token:     cfg.Push.Token,
	})
}

func smsSender(cfg *config.Config) notify.SMSSender {
	if cfg.SMS == nil {
		return nil
	}
	return twilio.New(twilio.Config{
		Endpoint:   cfg.SMS.Endpoint,
		AccountSID: cfg.SMS.AccountSID,
		AuthToken:  cfg.SMS.AuthToken,
		From:       cfg.SMS.From,
	})
}
