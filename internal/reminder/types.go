package reminder

import (
	"fmt"
	"time"
)

// Frequency governs how a reminder's next occurrence is advanced.
type Frequency string

const (
	Once    Frequency = "once"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Once, Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Channel is an independent delivery mechanism attempted during a firing.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelSMS  Channel = "sms"
)

func (c Channel) Valid() bool { return c == ChannelPush || c == ChannelSMS }

// Kind categorizes a reminder for display. It does not affect scheduling.
type Kind string

const (
	KindMedication Kind = "medication"
	KindCheckup    Kind = "checkup"
)

func (k Kind) Valid() bool { return k == KindMedication || k == KindCheckup }

// Reminder is the central entity of the scheduling engine.
//
// AnchorTime is the first intended firing instant, fixed at creation; the
// scheduler never mutates it. LastFiredAt records the scheduled instant of the
// most recent firing (not the wall-clock send time), which keeps occurrence
// arithmetic exact across restarts. A zero EndTime/LastFiredAt means "unset".
// All instants are stored in UTC.
type Reminder struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AnchorTime  time.Time `json:"anchorTime"`
	EndTime     time.Time `json:"endTime,omitzero"`
	Frequency   Frequency `json:"frequency"`
	Channels    []Channel `json:"channels"`
	IsActive    bool      `json:"isActive"`
	LastFiredAt time.Time `json:"lastFiredAt,omitzero"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasChannel reports whether ch was selected at creation.
func (r Reminder) HasChannel(ch Channel) bool {
	for _, c := range r.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Patch is a partial update: nil fields leave the stored value untouched.
// Scheduling state (IsActive, LastFiredAt) and identity (ID, OwnerID) are
// not patchable.
type Patch struct {
	Kind        *Kind      `json:"kind,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	AnchorTime  *time.Time `json:"anchorTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Frequency   *Frequency `json:"frequency,omitempty"`
	Channels    []Channel  `json:"channels,omitempty"`
}

// Apply overlays the provided fields onto r.
func (p Patch) Apply(r *Reminder) {
	if p.Kind != nil {
		r.Kind = *p.Kind
	}
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.AnchorTime != nil {
		r.AnchorTime = *p.AnchorTime
	}
	if p.EndTime != nil {
		r.EndTime = *p.EndTime
	}
	if p.Frequency != nil {
		r.Frequency = *p.Frequency
	}
	if p.Channels != nil {
		r.Channels = append([]Channel(nil), p.Channels...)
	}
}

// ValidationError rejects a malformed create/update before anything is
// persisted or scheduled.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the fields the scheduler depends on. Display text is opaque
// except that a title is required (it is the notification subject).
func (r Reminder) Validate() error {
	if r.OwnerID == "" {
		return &ValidationError{Field: "ownerId", Reason: "required"}
	}
	if !r.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	if r.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if r.AnchorTime.IsZero() {
		return &ValidationError{Field: "anchorTime", Reason: "required"}
	}
	if !r.Frequency.Valid() {
		return &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", r.Frequency)}
	}
	if len(r.Channels) == 0 {
		return &ValidationError{Field: "channels", Reason: "at least one channel required"}
	}
	seen := map[Channel]bool{}
	for _, c := range r.Channels {
		if !c.Valid() {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
		if seen[c] {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("duplicate channel %q", c)}
		}
		seen[c] = true
	}
	if !r.EndTime.IsZero() && !r.EndTime.After(r.AnchorTime) {
		return &ValidationError{Field: "endTime", Reason: "must be after anchorTime"}
	}
	return nil
}
