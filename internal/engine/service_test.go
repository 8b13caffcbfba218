package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/timerwheel"
	"remindd/pkg/logx"
)

type fakeDispatch struct {
	calls []reminder.Reminder
	rcpts []notify.Recipient
	fail  error
}

func (f *fakeDispatch) Dispatch(ctx context.Context, rem reminder.Reminder, rcpt notify.Recipient) []notify.Outcome {
	f.calls = append(f.calls, rem)
	f.rcpts = append(f.rcpts, rcpt)
	out := make([]notify.Outcome, 0, len(rem.Channels))
	for _, ch := range rem.Channels {
		out = append(out, notify.Outcome{Channel: ch, Err: f.fail})
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *storage.Memory
	timers   *timerwheel.Service
	dispatch *fakeDispatch
	bus      eventbus.Bus
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemory(),
		timers:   timerwheel.New(timerwheel.Config{}, logx.Nop()),
		dispatch: &fakeDispatch{},
		bus:      eventbus.New(),
		now:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	svc, err := New(Config{}, f.store, f.timers, f.dispatch, f.bus, logx.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	svc.now = func() time.Time { return f.now }
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T, rem reminder.Reminder) reminder.Reminder {
	t.Helper()
	out, err := f.svc.Create(context.Background(), rem)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return out
}

func baseReminder(f *fixture) reminder.Reminder {
	return reminder.Reminder{
		OwnerID:    "alice",
		Kind:       reminder.KindMedication,
		Title:      "take meds",
		AnchorTime: f.now.Add(time.Hour),
		Frequency:  reminder.Daily,
		Channels:   []reminder.Channel{reminder.ChannelPush},
	}
}

func TestCreateBooksFirstFiring(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))

	if rem.ID == "" {
		t.Fatal("no id assigned")
	}
	at, ok := f.timers.NextFire(rem.ID)
	if !ok || !at.Equal(f.now.Add(time.Hour)) {
		t.Fatalf("booked at %v (ok=%v), want anchor", at, ok)
	}
	stored, err := f.store.Get(context.Background(), rem.ID)
	if err != nil || !stored.IsActive {
		t.Fatalf("stored = %+v, err = %v", stored, err)
	}
}

func TestCreateExpiredStoresInactive(t *testing.T) {
	f := newFixture(t)
	in := baseReminder(f)
	in.AnchorTime = f.now.Add(-48 * time.Hour)
	in.EndTime = f.now.Add(-24 * time.Hour)

	rem := f.create(t, in)
	if rem.IsActive {
		t.Fatal("expired reminder stored active")
	}
	if _, ok := f.timers.NextFire(rem.ID); ok {
		t.Fatal("expired reminder was booked")
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	in := baseReminder(f)
	in.Channels = nil

	_, err := f.svc.Create(context.Background(), in)
	var verr *reminder.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if f.timers.Pending() != 0 {
		t.Fatal("invalid reminder left a booking behind")
	}
}

func TestOverdueOnceGetsGraceWindow(t *testing.T) {
	f := newFixture(t)
	in := baseReminder(f)
	in.Frequency = reminder.Once
	in.AnchorTime = f.now.Add(-10 * time.Minute)

	rem := f.create(t, in)
	at, ok := f.timers.NextFire(rem.ID)
	if !ok || !at.Equal(f.now.Add(60*time.Second)) {
		t.Fatalf("booked at %v (ok=%v), want now+60s", at, ok)
	}
}

func ptr[T any](v T) *T { return &v }

func TestUpdateRebooksTimer(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))

	out, err := f.svc.Update(context.Background(), rem.ID, reminder.Patch{
		AnchorTime: ptr(f.now.Add(2 * time.Hour)),
		Title:      ptr("take meds with food"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	at, ok := f.timers.NextFire(rem.ID)
	if !ok || !at.Equal(f.now.Add(2*time.Hour)) {
		t.Fatalf("booked at %v (ok=%v), want new anchor", at, ok)
	}
	if out.Title != "take meds with food" {
		t.Fatalf("title = %q", out.Title)
	}
	if f.timers.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", f.timers.Pending())
	}
}

// A patch carrying only display text must leave the schedule untouched.
func TestUpdatePartialPatchKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))
	before, _ := f.timers.NextFire(rem.ID)

	out, err := f.svc.Update(context.Background(), rem.ID, reminder.Patch{
		Title: ptr("new title"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.Title != "new title" {
		t.Fatalf("title = %q", out.Title)
	}
	if !out.AnchorTime.Equal(rem.AnchorTime) || out.Frequency != rem.Frequency {
		t.Fatalf("schedule changed: %+v", out)
	}
	if len(out.Channels) != len(rem.Channels) {
		t.Fatalf("channels changed: %v", out.Channels)
	}
	after, ok := f.timers.NextFire(rem.ID)
	if !ok || !after.Equal(before) {
		t.Fatalf("booking moved: %v -> %v", before, after)
	}
}

func TestUpdateIntoRetirementCancels(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))

	out, err := f.svc.Update(context.Background(), rem.ID, reminder.Patch{
		AnchorTime: ptr(f.now.Add(-48 * time.Hour)),
		EndTime:    ptr(f.now.Add(-24 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.IsActive {
		t.Fatal("retired reminder still active")
	}
	if _, ok := f.timers.NextFire(rem.ID); ok {
		t.Fatal("retired reminder still booked")
	}
}

func TestUpdateUnknownIDReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Update(context.Background(), "missing", reminder.Patch{
		Title: ptr("x"),
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteCancelsBeforePersisting(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))

	if err := f.svc.Delete(context.Background(), rem.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := f.timers.NextFire(rem.ID); ok {
		t.Fatal("deleted reminder still booked")
	}
	if _, err := f.store.Get(context.Background(), rem.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("row survived delete")
	}
	if err := f.svc.Delete(context.Background(), rem.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

// A firing whose reminder was deleted between arming and running must be a
// silent no-op: no delivery, no resurrection of the row.
func TestFiringAbortsWhenReminderGone(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))
	fireAt, _ := f.timers.NextFire(rem.ID)

	if err := f.svc.Delete(context.Background(), rem.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.svc.fire(context.Background(), rem.ID, fireAt)

	if len(f.dispatch.calls) != 0 {
		t.Fatal("dispatched for a deleted reminder")
	}
	if _, err := f.store.Get(context.Background(), rem.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("firing resurrected the deleted row")
	}
}

func TestFiringAbortsWhenInactive(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))
	fireAt, _ := f.timers.NextFire(rem.ID)

	rem.IsActive = false
	if err := f.store.Save(context.Background(), rem); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.svc.fire(context.Background(), rem.ID, fireAt)
	if len(f.dispatch.calls) != 0 {
		t.Fatal("dispatched for an inactive reminder")
	}
}

func TestFiringRecordsScheduledInstantAndRebooks(t *testing.T) {
	f := newFixture(t)
	rem := f.create(t, baseReminder(f))
	fireAt, _ := f.timers.NextFire(rem.ID)

	// The callback runs a little late; LastFiredAt must still be the booked
	// instant, and the next booking must be one period after it.
	f.now = fireAt.Add(3 * time.Second)
	f.svc.fire(context.Background(), rem.ID, fireAt)

	stored, err := f.store.Get(context.Background(), rem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.LastFiredAt.Equal(fireAt) {
		t.Fatalf("LastFiredAt = %v, want %v", stored.LastFiredAt, fireAt)
	}
	next, ok := f.timers.NextFire(rem.ID)
	if !ok || !next.Equal(fireAt.AddDate(0, 0, 1)) {
		t.Fatalf("next booking = %v (ok=%v), want +1d", next, ok)
	}
	if len(f.dispatch.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(f.dispatch.calls))
	}
}

func TestOnceRetiresAfterFiring(t *testing.T) {
	f := newFixture(t)
	in := baseReminder(f)
	in.Frequency = reminder.Once
	rem := f.create(t, in)
	fireAt, _ := f.timers.NextFire(rem.ID)

	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.now = fireAt
	f.svc.fire(context.Background(), rem.ID, fireAt)

	stored, _ := f.store.Get(context.Background(), rem.ID)
	if stored.IsActive {
		t.Fatal("once reminder still active after firing")
	}
	if _, ok := f.timers.NextFire(rem.ID); ok {
		t.Fatal("once reminder rebooked")
	}

	var sawFired, sawRetired bool
	for len(events) > 0 {
		e := <-events
		switch e.Type {
		case eventbus.TypeReminderFired:
			sawFired = true
		case eventbus.TypeReminderRetired:
			sawRetired = true
		}
	}
	if !sawFired || !sawRetired {
		t.Fatalf("events fired=%v retired=%v, want both", sawFired, sawRetired)
	}
}

// Delivery failure is logged and published, never rescheduling-fatal.
func TestDeliveryFailureStillRebooks(t *testing.T) {
	f := newFixture(t)
	f.dispatch.fail = errors.New("fcm 503")
	rem := f.create(t, baseReminder(f))
	fireAt, _ := f.timers.NextFire(rem.ID)

	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.now = fireAt
	f.svc.fire(context.Background(), rem.ID, fireAt)

	if _, ok := f.timers.NextFire(rem.ID); !ok {
		t.Fatal("delivery failure prevented rebooking")
	}
	var sawFailed bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeDispatchFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatal("no dispatch.failed event published")
	}
}

func TestFiringResolvesContact(t *testing.T) {
	f := newFixture(t)
	if err := f.store.PutContact(context.Background(), "alice", storage.Contact{
		PushToken: "tok", PhoneNumber: "+15550100",
	}); err != nil {
		t.Fatalf("put contact: %v", err)
	}
	rem := f.create(t, baseReminder(f))
	fireAt, _ := f.timers.NextFire(rem.ID)

	f.now = fireAt
	f.svc.fire(context.Background(), rem.ID, fireAt)

	if len(f.dispatch.rcpts) != 1 || f.dispatch.rcpts[0].PushToken != "tok" {
		t.Fatalf("recipient = %+v", f.dispatch.rcpts)
	}
}

func TestRecoverBooksActiveAndRetiresExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := baseReminder(f)
	live.ID = "live"
	live.IsActive = true
	live.CreatedAt = f.now
	if err := f.store.Save(ctx, live); err != nil {
		t.Fatalf("save live: %v", err)
	}

	dead := baseReminder(f)
	dead.ID = "dead"
	dead.IsActive = true
	dead.CreatedAt = f.now
	dead.AnchorTime = f.now.Add(-48 * time.Hour)
	dead.EndTime = f.now.Add(-24 * time.Hour)
	if err := f.store.Save(ctx, dead); err != nil {
		t.Fatalf("save dead: %v", err)
	}

	inactive := baseReminder(f)
	inactive.ID = "off"
	inactive.IsActive = false
	inactive.CreatedAt = f.now
	if err := f.store.Save(ctx, inactive); err != nil {
		t.Fatalf("save off: %v", err)
	}

	booked, err := f.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if booked != 1 {
		t.Fatalf("booked = %d, want 1", booked)
	}
	if _, ok := f.timers.NextFire("live"); !ok {
		t.Fatal("live reminder not booked")
	}
	if _, ok := f.timers.NextFire("dead"); ok {
		t.Fatal("exhausted reminder was booked")
	}
	stored, _ := f.store.Get(ctx, "dead")
	if stored.IsActive {
		t.Fatal("exhausted reminder not deactivated")
	}
}

// Recovery after a firing must advance from LastFiredAt, not refire the past.
func TestRecoverAdvancesFromLastFired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rem := baseReminder(f)
	rem.ID = "r1"
	rem.IsActive = true
	rem.CreatedAt = f.now.Add(-72 * time.Hour)
	rem.AnchorTime = f.now.Add(-72 * time.Hour)
	rem.LastFiredAt = f.now.Add(-time.Hour)
	if err := f.store.Save(ctx, rem); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := f.svc.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	at, ok := f.timers.NextFire("r1")
	if !ok || !at.Equal(rem.LastFiredAt.AddDate(0, 0, 1)) {
		t.Fatalf("booked at %v (ok=%v), want last+1d", at, ok)
	}
}

func TestSweepRetiresExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rem := f.create(t, baseReminder(f))

	// End time slides into the past without any firing noticing.
	stored, _ := f.store.Get(ctx, rem.ID)
	stored.EndTime = f.now.Add(30 * time.Minute)
	if err := f.store.Save(ctx, stored); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)

	f.svc.sweepExpired(ctx)

	after, _ := f.store.Get(ctx, rem.ID)
	if after.IsActive {
		t.Fatal("sweep left expired reminder active")
	}
	if _, ok := f.timers.NextFire(rem.ID); ok {
		t.Fatal("sweep left expired reminder booked")
	}
}

func TestListReturnsOwnerReminders(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, baseReminder(f))

	other := baseReminder(f)
	other.OwnerID = "bob"
	f.create(t, other)

	got, err := f.svc.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("list = %+v", got)
	}
}
