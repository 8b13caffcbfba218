package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// ErrNoRecipient marks a channel that was selected on the reminder but has no
// usable contact info for the owner. It is a delivery failure like any other:
// logged, never escalated.
var ErrNoRecipient = errors.New("no recipient contact info")

// PushSender delivers one push notification. Implementations live in
// notify/fcm or in tests.
type PushSender interface {
	SendPush(ctx context.Context, token, title, body string) error
}

// SMSSender delivers one text message. Implementations live in notify/twilio
// or in tests.
type SMSSender interface {
	SendSMS(ctx context.Context, phoneNumber, body string) error
}

// Recipient is the contact info resolved for a reminder's owner at fire time.
type Recipient struct {
	PushToken   string
	PhoneNumber string
}

// Outcome is one channel's delivery result for a single firing.
type Outcome struct {
	Channel reminder.Channel
	Err     error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Config controls outbound delivery.
type Config struct {
	SendTimeout    time.Duration // default 10s
	PushRatePerSec int           // default 5
	SMSRatePerSec  int           // default 1
}

// Dispatcher attempts delivery over each of a reminder's channels
// independently: one channel failing never prevents the others, and no
// failure escalates out of Dispatch. There is no retry within a firing; for
// recurring reminders the next occurrence is the retry boundary.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	push PushSender
	sms  SMSSender

	pushLim *rate.Limiter
	smsLim  *rate.Limiter
}

func New(cfg Config, push PushSender, sms SMSSender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, push: push, sms: sms}
	d.applyLocked(cfg)
	return d
}

// Apply updates limits at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.PushRatePerSec <= 0 {
		cfg.PushRatePerSec = 5
	}
	if cfg.SMSRatePerSec <= 0 {
		cfg.SMSRatePerSec = 1
	}
	d.cfg = cfg
	// Token bucket with burst = rate so short spikes don't block.
	d.pushLim = rate.NewLimiter(rate.Limit(cfg.PushRatePerSec), cfg.PushRatePerSec)
	d.smsLim = rate.NewLimiter(rate.Limit(cfg.SMSRatePerSec), cfg.SMSRatePerSec)
}

// Dispatch attempts every channel the reminder selected and returns one
// outcome per channel, in the reminder's channel order. It never returns an
// error: the caller proceeds with the firing regardless of delivery results.
func (d *Dispatcher) Dispatch(ctx context.Context, rem reminder.Reminder, rcpt Recipient) []Outcome {
	d.mu.Lock()
	cfg := d.cfg
	pushLim, smsLim := d.pushLim, d.smsLim
	push, sms := d.push, d.sms
	d.mu.Unlock()

	body := rem.Description
	if body == "" {
		body = "Time for your reminder!"
	}

	outcomes := make([]Outcome, 0, len(rem.Channels))
	for _, ch := range rem.Channels {
		var err error
		switch ch {
		case reminder.ChannelPush:
			err = d.sendOne(ctx, cfg, pushLim, func(c context.Context) error {
				if push == nil || rcpt.PushToken == "" {
					return ErrNoRecipient
				}
				return push.SendPush(c, rcpt.PushToken, rem.Title, body)
			})
		case reminder.ChannelSMS:
			err = d.sendOne(ctx, cfg, smsLim, func(c context.Context) error {
				if sms == nil || rcpt.PhoneNumber == "" {
					return ErrNoRecipient
				}
				return sms.SendSMS(c, rcpt.PhoneNumber, rem.Title+": "+body)
			})
		default:
			err = errors.New("unknown channel")
		}

		if err != nil {
			d.log.Warn("delivery failed",
				logx.String("reminder_id", rem.ID),
				logx.String("channel", string(ch)),
				logx.Err(err))
		} else {
			d.log.Debug("delivery sent",
				logx.String("reminder_id", rem.ID),
				logx.String("channel", string(ch)))
		}
		outcomes = append(outcomes, Outcome{Channel: ch, Err: err})
	}
	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, send func(context.Context) error) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	// Bound each send so a hung transport can't stall the firing worker.
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	return send(callCtx)
}
