package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const notificationColumns = `id, title, message, notification_type, target_audience, scheduled_at,
	sent_at, is_active, created_at`

// CreateNotification stores a broadcast. A zero ScheduledAt means now.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	now := s.now().UTC()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = now
	}
	if n.Type == "" {
		n.Type = "general"
	}
	if n.TargetAudience == "" {
		n.TargetAudience = "all"
	}
	n.CreatedAt = now
	n.IsActive = true
	_, err := s.exec(ctx, s.db,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Message, n.Type, n.TargetAudience, formatTime(n.ScheduledAt),
		nullTime(n.SentAt), n.IsActive, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the most recent notifications first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications ORDER BY created_at DESC, id LIMIT ?`, limit)
}

// DueNotifications returns active, unsent notifications scheduled at or before now.
func (s *Store) DueNotifications(ctx context.Context, now time.Time) ([]Notification, error) {
	return s.listNotifications(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE is_active = ? AND sent_at IS NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at, id`,
		true, formatTime(now))
}

// MarkNotificationSent records the send time unless another sweep already did.
// It reports whether this call marked it.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE notifications SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark notification sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification sent: %w", err)
	}
	return n > 0, nil
}

func (s *Store) listNotifications(ctx context.Context, query string, args ...any) ([]Notification, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n                  Notification
			scheduled, created string
			sent               sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &n.Type, &n.TargetAudience, &scheduled,
			&sent, &n.IsActive, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if n.ScheduledAt, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if n.SentAt, err = parseNullTime(sent); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CreateReminder(ctx context.Context, r *Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = s.now().UTC()
	_, err := s.exec(ctx, s.db,
		`INSERT INTO reminders (id, user_id, message, scheduled_for, sent, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Message, formatTime(r.ScheduledFor), r.Sent, nullTime(r.SentAt), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

// DueReminders returns unsent reminders scheduled at or before now.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, user_id, message, scheduled_for, sent, sent_at, created_at FROM reminders
		 WHERE sent = ? AND scheduled_for <= ? ORDER BY scheduled_for, id`,
		false, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var (
			r                  Reminder
			scheduled, created string
			sent               sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Message, &scheduled, &r.Sent, &sent, &created); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		if r.ScheduledFor, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if r.SentAt, err = parseNullTime(sent); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderSent flags one reminder as delivered. It reports whether this call
// changed it.
func (s *Store) MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE reminders SET sent = ?, sent_at = ? WHERE id = ? AND sent = ?`,
		true, formatTime(at), id, false)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	return n > 0, nil
}

// RecordEvent appends an analytics event.
func (s *Store) RecordEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	meta := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(data)
	}
	var userID any
	if e.UserID != 0 {
		userID = e.UserID
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO analytics_events (id, event_type, user_id, entity_id, procedure_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, userID, emptyAsNull(e.EntityID), emptyAsNull(e.ProcedureID), meta, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsSince returns events created at or after since, oldest first.
func (s *Store) EventsSince(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, event_type, user_id, entity_id, procedure_id, metadata, created_at
		 FROM analytics_events WHERE created_at >= ? ORDER BY created_at, id`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                     Event
			userID                sql.NullInt64
			entityID, procedureID sql.NullString
			meta, created         string
		)
		if err := rows.Scan(&e.ID, &e.Type, &userID, &entityID, &procedureID, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.UserID = userID.Int64
		e.EntityID = entityID.String
		e.ProcedureID = procedureID.String
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
