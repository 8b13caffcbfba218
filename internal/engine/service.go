// Package engine ties the pieces together: it owns the lifecycle of every
// reminder (create, update, delete, recover) and runs the firing pipeline
// when a booked instant arrives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/timerwheel"
	"remindd/pkg/logx"
)

const (
	sweepName      = "retire-expired"
	persistRetries = 3
)

// ErrNotFound is returned for operations on an unknown reminder id.
var ErrNotFound = storage.ErrNotFound

// Dispatcher delivers one firing over the reminder's channels. The engine
// never inspects outcomes beyond logging and event publication; delivery
// failures do not change scheduling.
type Dispatcher interface {
	Dispatch(ctx context.Context, rem reminder.Reminder, rcpt notify.Recipient) []notify.Outcome
}

// Config controls occurrence arithmetic and maintenance.
type Config struct {
	CatchupGrace  time.Duration // default 60s
	SweepSchedule string        // default "0 3 * * *"
}

// Service is the reminder engine. All mutations go through it so that the
// store and the timer service never disagree for long: deletes cancel the
// timer before touching the store, updates persist before rebooking.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	store    storage.Store
	timers   *timerwheel.Service
	dispatch Dispatcher
	bus      eventbus.Bus

	now func() time.Time
}

func New(cfg Config, store storage.Store, timers *timerwheel.Service, dispatch Dispatcher, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if store == nil || timers == nil {
		return nil, errors.New("store and timers required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CatchupGrace <= 0 {
		cfg.CatchupGrace = 60 * time.Second
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "0 3 * * *"
	}
	if bus == nil {
		bus = eventbus.New()
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		timers:   timers,
		dispatch: dispatch,
		bus:      bus,
		now:      time.Now,
	}
	if err := timers.AddSweep(sweepName, cfg.SweepSchedule, s.sweepExpired); err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	return s, nil
}

// Apply updates the tunables at runtime (config hot reload). The sweep
// schedule is rebooked; the grace window affects subsequent computations only.
func (s *Service) Apply(cfg Config) error {
	if cfg.CatchupGrace <= 0 {
		cfg.CatchupGrace = 60 * time.Second
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "0 3 * * *"
	}
	if err := s.timers.AddSweep(sweepName, cfg.SweepSchedule, s.sweepExpired); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Service) grace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CatchupGrace
}

// Create validates, persists, and books the first firing. A reminder whose
// schedule is already exhausted (end time in the past) is stored inactive and
// never booked.
func (s *Service) Create(ctx context.Context, rem reminder.Reminder) (reminder.Reminder, error) {
	now := s.now().UTC()
	if rem.ID == "" {
		rem.ID = uuid.NewString()
	}
	rem.CreatedAt = now
	rem.LastFiredAt = time.Time{}
	rem.IsActive = true
	normalizeTimes(&rem)

	if err := rem.Validate(); err != nil {
		return reminder.Reminder{}, err
	}

	next, ok := reminder.NextOccurrence(rem, now, s.grace())
	if !ok {
		rem.IsActive = false
	}
	if err := s.store.Save(ctx, rem); err != nil {
		return reminder.Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	if ok {
		if err := s.timers.Schedule(rem.ID, next, s.firing(rem.ID, next)); err != nil {
			return reminder.Reminder{}, fmt.Errorf("schedule reminder: %w", err)
		}
		s.log.Info("reminder created",
			logx.String("id", rem.ID), logx.String("owner", rem.OwnerID),
			logx.String("frequency", string(rem.Frequency)), logx.Time("next_fire", next))
	} else {
		s.log.Info("reminder created already expired",
			logx.String("id", rem.ID), logx.String("owner", rem.OwnerID))
	}
	return rem, nil
}

// Update overlays the patch's provided fields onto the stored reminder and
// rebooks its timer. The persisted row is written before the timer changes,
// so a firing racing the update sees either the old consistent state or the
// new one, never a half-applied mix. An update reactivates a retired reminder
// if the patched schedule yields a future occurrence.
func (s *Service) Update(ctx context.Context, id string, patch reminder.Patch) (reminder.Reminder, error) {
	rem, err := s.store.Get(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	patch.Apply(&rem)
	rem.IsActive = true
	normalizeTimes(&rem)

	if err := rem.Validate(); err != nil {
		return reminder.Reminder{}, err
	}

	now := s.now().UTC()
	next, ok := reminder.NextOccurrence(rem, now, s.grace())
	if !ok {
		rem.IsActive = false
	}
	if err := s.store.Save(ctx, rem); err != nil {
		return reminder.Reminder{}, fmt.Errorf("save reminder: %w", err)
	}
	if ok {
		if err := s.timers.Reschedule(rem.ID, next, s.firing(rem.ID, next)); err != nil {
			return reminder.Reminder{}, fmt.Errorf("reschedule reminder: %w", err)
		}
		s.log.Info("reminder updated", logx.String("id", rem.ID), logx.Time("next_fire", next))
	} else {
		s.timers.Cancel(rem.ID)
		s.log.Info("reminder updated into retirement", logx.String("id", rem.ID))
	}
	return rem, nil
}

// Delete cancels the pending timer before removing the row. Ordering matters:
// a timer that outlives its row would fire into nothing, and the firing path's
// re-read would then have to absorb the miss instead of it never happening.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.timers.Cancel(id)
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	s.log.Info("reminder deleted", logx.String("id", id))
	return nil
}

// Get returns a single reminder by id.
func (s *Service) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	return s.store.Get(ctx, id)
}

// List returns the owner's active reminders ordered by anchor time.
func (s *Service) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	return s.store.FindByOwner(ctx, ownerID)
}

// Recover loads every active reminder and books its next occurrence. It runs
// once at startup, before external traffic, and returns the number of
// reminders booked. Reminders whose schedule is exhausted are deactivated in
// place; a reminder that fails to book is logged and skipped so one bad row
// cannot block boot.
func (s *Service) Recover(ctx context.Context) (int, error) {
	now := s.now().UTC()
	active, err := s.store.FindActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active reminders: %w", err)
	}

	booked := 0
	for _, rem := range active {
		next, ok := reminder.NextOccurrence(rem, now, s.grace())
		if !ok {
			s.retire(ctx, rem)
			continue
		}
		if err := s.timers.Schedule(rem.ID, next, s.firing(rem.ID, next)); err != nil {
			s.log.Error("recovery booking failed", logx.String("id", rem.ID), logx.Err(err))
			continue
		}
		booked++
	}
	s.log.Info("recovery complete",
		logx.Int("active", len(active)), logx.Int("booked", booked))
	return booked, nil
}

// firing returns the callback booked with the timer service for one scheduled
// instant. fireAt is captured at booking time; it becomes LastFiredAt, so the
// occurrence arithmetic stays anchored to the schedule even when the callback
// runs late.
func (s *Service) firing(id string, fireAt time.Time) timerwheel.Callback {
	return func(ctx context.Context) {
		s.fire(ctx, id, fireAt)
	}
}

func (s *Service) fire(ctx context.Context, id string, fireAt time.Time) {
	// Re-read: the booking may be stale if the reminder was deleted or
	// deactivated after the timer was armed but before this ran.
	rem, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Debug("firing aborted, reminder gone", logx.String("id", id))
		} else {
			s.log.Error("firing aborted, load failed", logx.String("id", id), logx.Err(err))
		}
		return
	}
	if !rem.IsActive {
		s.log.Debug("firing aborted, reminder inactive", logx.String("id", id))
		return
	}

	rcpt := s.recipient(ctx, rem.OwnerID)
	if s.dispatch != nil {
		for _, out := range s.dispatch.Dispatch(ctx, rem, rcpt) {
			if out.Err != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Data: eventbus.FiringEvent{
					ReminderID: rem.ID, OwnerID: rem.OwnerID,
					Channel: string(out.Channel), FireAt: fireAt, Error: out.Err.Error(),
				}})
			}
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFired, Data: eventbus.FiringEvent{
		ReminderID: rem.ID, OwnerID: rem.OwnerID, FireAt: fireAt,
	}})

	rem.LastFiredAt = fireAt.UTC()
	next, ok := reminder.NextOccurrence(rem, s.now().UTC(), s.grace())
	if !ok {
		rem.IsActive = false
	}

	if err := s.persistWithRetry(ctx, rem); err != nil {
		// Keep going on in-memory state: losing one LastFiredAt write is
		// recoverable (worst case a duplicate notification after restart);
		// silently halting the schedule is not.
		s.log.Error("persisting firing failed, continuing from memory",
			logx.String("id", rem.ID), logx.Err(err))
	}

	if !ok {
		// A retired reminder holds no pending timer.
		s.timers.Cancel(rem.ID)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderRetired, Data: eventbus.FiringEvent{
			ReminderID: rem.ID, OwnerID: rem.OwnerID,
		}})
		s.log.Info("reminder retired", logx.String("id", rem.ID))
		return
	}
	if err := s.timers.Schedule(rem.ID, next, s.firing(rem.ID, next)); err != nil {
		s.log.Error("rebooking failed", logx.String("id", rem.ID), logx.Err(err))
		return
	}
	s.log.Debug("reminder fired and rebooked",
		logx.String("id", rem.ID), logx.Time("fired_at", fireAt), logx.Time("next_fire", next))
}

func (s *Service) recipient(ctx context.Context, ownerID string) notify.Recipient {
	c, err := s.store.Contact(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("contact lookup failed", logx.String("owner", ownerID), logx.Err(err))
		}
		return notify.Recipient{}
	}
	return notify.Recipient{PushToken: c.PushToken, PhoneNumber: c.PhoneNumber}
}

func (s *Service) persistWithRetry(ctx context.Context, rem reminder.Reminder) error {
	var err error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if err = s.store.Save(ctx, rem); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return err
}

// sweepExpired is the nightly maintenance job: deactivate reminders whose
// schedule has run out but that never got the chance to retire through a
// firing (for example an end time moved into the past while the process was
// down).
func (s *Service) sweepExpired(ctx context.Context) {
	now := s.now().UTC()
	active, err := s.store.FindActive(ctx)
	if err != nil {
		s.log.Error("sweep load failed", logx.Err(err))
		return
	}
	retired := 0
	for _, rem := range active {
		if _, ok := reminder.NextOccurrence(rem, now, s.grace()); ok {
			continue
		}
		s.retire(ctx, rem)
		retired++
	}
	if retired > 0 {
		s.log.Info("sweep retired reminders", logx.Int("count", retired))
	}
}

func (s *Service) retire(ctx context.Context, rem reminder.Reminder) {
	s.timers.Cancel(rem.ID)
	rem.IsActive = false
	if err := s.store.Save(ctx, rem); err != nil {
		s.log.Error("retire failed", logx.String("id", rem.ID), logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderRetired, Data: eventbus.FiringEvent{
		ReminderID: rem.ID, OwnerID: rem.OwnerID,
	}})
}

func normalizeTimes(rem *reminder.Reminder) {
	rem.AnchorTime = rem.AnchorTime.UTC()
	if !rem.EndTime.IsZero() {
		rem.EndTime = rem.EndTime.UTC()
	}
	if !rem.LastFiredAt.IsZero() {
		rem.LastFiredAt = rem.LastFiredAt.UTC()
	}
}
