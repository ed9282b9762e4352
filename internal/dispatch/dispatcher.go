// Package dispatch delivers scheduled broadcasts, per-user reminders and
// request status updates through the chat transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
	"github.com/medellinbot/medellinbot/pkg/metrics"
	"github.com/medellinbot/medellinbot/pkg/tracing"
)

const (
	sweepBroadcasts = "broadcasts"
	sweepReminders  = "reminders"
	sweepStatus     = "status_change"
)

// Sender delivers one text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opts channel.Options) error
}

// Store is what the dispatcher reads and marks.
type Store interface {
	DueNotifications(ctx context.Context, now time.Time) ([]store.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) (bool, error)
	ActiveUsers(ctx context.Context) ([]int64, error)
	SetUserActive(ctx context.Context, telegramID int64, active bool) error
	DueReminders(ctx context.Context, now time.Time) ([]store.Reminder, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error)
}

// Report counts what a sweep did.
type Report struct {
	Items  int `json:"items"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	// Marked is the number of items this sweep flagged as sent.
	Marked int `json:"marked"`
}

// Summary is the outcome of Run.
type Summary struct {
	Broadcasts Report `json:"broadcasts"`
	Reminders  Report `json:"reminders"`
}

type Options struct {
	// Delay between consecutive broadcast sends.
	Delay  time.Duration
	Logger *logger.Logger
	Now    func() time.Time
}

type Dispatcher struct {
	store  Store
	sender Sender
	delay  time.Duration
	log    *logger.Logger
	now    func() time.Time
}

func New(s Store, sender Sender, opts Options) *Dispatcher {
	d := &Dispatcher{
		store:  s,
		sender: sender,
		delay:  opts.Delay,
		log:    logger.OrNop(opts.Logger).Named("dispatch"),
		now:    opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Run performs the broadcast sweep and then the reminder sweep. A failing
// broadcast sweep does not prevent reminders from going out.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	var errs []error

	r, err := d.SweepBroadcasts(ctx)
	sum.Broadcasts = r
	if err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		return sum, errors.Join(errs...)
	}

	r, err = d.SweepReminders(ctx)
	sum.Reminders = r
	if err != nil {
		errs = append(errs, err)
	}
	return sum, errors.Join(errs...)
}

// SweepBroadcasts sends every due notification to every active user. A
// notification is marked sent once all recipients were attempted, whether or
// not each send succeeded. If ctx ends mid-notification it is left unsent.
func (d *Dispatcher) SweepBroadcasts(ctx context.Context) (rep Report, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.broadcasts")
	start := time.Now()
	defer func() {
		metrics.ObserveSweep(sweepBroadcasts, time.Since(start).Seconds())
		span.SetAttributes(attribute.Int("items", rep.Items), attribute.Int("sent", rep.Sent), attribute.Int("failed", rep.Failed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	due, err := d.store.DueNotifications(ctx, d.now())
	if err != nil {
		return rep, fmt.Errorf("load due notifications: %w", err)
	}
	rep.Items = len(due)
	if len(due) == 0 {
		return rep, nil
	}

	for _, n := range due {
		users, err := d.store.ActiveUsers(ctx)
		if err != nil {
			return rep, fmt.Errorf("load recipients: %w", err)
		}

		text := fmt.Sprintf("📢 *%s*\n\n%s", n.Title, n.Message)
		for i, userID := range users {
			if i > 0 {
				if err := d.pause(ctx); err != nil {
					return rep, err
				}
			}
			if d.deliver(ctx, sweepBroadcasts, userID, text) {
				rep.Sent++
			} else {
				rep.Failed++
			}
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		marked, err := d.store.MarkNotificationSent(ctx, n.ID, d.now())
		if err != nil {
			return rep, fmt.Errorf("mark notification %s: %w", n.ID, err)
		}
		if marked {
			rep.Marked++
		} else {
			d.log.Warn("notification already marked by another sweep", zap.String("notification_id", n.ID))
		}
		d.log.Info("broadcast delivered",
			zap.String("notification_id", n.ID),
			zap.Int("recipients", len(users)))
	}
	return rep, nil
}

// SweepReminders sends each due reminder to its user and marks it after a
// successful send. Failed reminders stay due for the next sweep.
func (d *Dispatcher) SweepReminders(ctx context.Context) (rep Report, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.reminders")
	start := time.Now()
	defer func() {
		metrics.ObserveSweep(sweepReminders, time.Since(start).Seconds())
		span.SetAttributes(attribute.Int("items", rep.Items), attribute.Int("sent", rep.Sent))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	due, err := d.store.DueReminders(ctx, d.now())
	if err != nil {
		return rep, fmt.Errorf("load due reminders: %w", err)
	}
	rep.Items = len(due)

	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !d.deliver(ctx, sweepReminders, r.UserID, r.Message) {
			rep.Failed++
			continue
		}
		rep.Sent++

		marked, err := d.store.MarkReminderSent(ctx, r.ID, d.now())
		if err != nil {
			// The reminder went out but stays unsent; it will be repeated.
			d.log.Error("mark reminder sent", zap.String("reminder_id", r.ID), zap.Error(err))
			continue
		}
		if marked {
			rep.Marked++
		}
	}
	return rep, nil
}

// NotifyStatusChange tells the citizen that staff moved their request to a
// new status. Delivery failures are returned to the caller, which decides
// whether they matter.
func (d *Dispatcher) NotifyStatusChange(ctx context.Context, userID int64, tracking string, from, to store.Status, response string) error {
	text := StatusChangeMessage(tracking, from, to, response)
	err := d.sender.SendText(ctx, userID, text, channel.Options{Markdown: true})
	metrics.RecordSend(sweepStatus, err == nil)
	if err != nil {
		d.handleUnreachable(ctx, userID, err)
		return fmt.Errorf("notify %d of %s: %w", userID, tracking, err)
	}
	return nil
}

// StatusChangeMessage renders the status update text.
func StatusChangeMessage(tracking string, from, to store.Status, response string) string {
	text := "📢 *Actualización de Solicitud*\n\n" +
		"🔢 Radicado: `" + tracking + "`\n" +
		"📍 Estado anterior: " + from.Label() + "\n" +
		"📍 Estado nuevo: " + to.Label() + "\n"
	if response != "" {
		text += "\n💬 *Respuesta:*\n" + response
	}
	return text
}

func (d *Dispatcher) deliver(ctx context.Context, sweep string, userID int64, text string) bool {
	err := d.sender.SendText(ctx, userID, text, channel.Options{Markdown: true})
	metrics.RecordSend(sweep, err == nil)
	if err == nil {
		return true
	}
	d.log.Warn("send failed", zap.String("sweep", sweep), zap.Int64("user_id", userID), zap.Error(err))
	d.handleUnreachable(ctx, userID, err)
	return false
}

// handleUnreachable deactivates users that blocked the bot so later
// broadcasts skip them.
func (d *Dispatcher) handleUnreachable(ctx context.Context, userID int64, err error) {
	if !channel.IsUnreachable(err) {
		return
	}
	if serr := d.store.SetUserActive(ctx, userID, false); serr != nil {
		if !errors.Is(serr, store.ErrNotFound) {
			d.log.Warn("deactivate user", zap.Int64("user_id", userID), zap.Error(serr))
		}
		return
	}
	d.log.Info("user deactivated after blocking the bot", zap.Int64("user_id", userID))
}

func (d *Dispatcher) pause(ctx context.Context) error {
	if d.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
