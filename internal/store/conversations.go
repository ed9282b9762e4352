package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/medellinbot/medellinbot/internal/conversation"
)

const conversationColumns = `id, user_id, kind, step, context, is_active, started_at, updated_at, completed_at`

// Begin starts a conversation in state. Any active conversation of the same kind
// for the user is deactivated first, in the same transaction.
func (s *Store) Begin(ctx context.Context, userID int64, state conversation.State) (*Conversation, error) {
	step, data, err := conversation.Encode(state)
	if err != nil {
		return nil, err
	}
	kind := step.Kind()
	now := s.now().UTC()
	ts := formatTime(now)

	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		State:     state,
		IsActive:  true,
		StartedAt: now,
		UpdatedAt: now,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`UPDATE conversations SET is_active = ?, updated_at = ?
			 WHERE user_id = ? AND kind = ? AND is_active = ?`,
			false, ts, userID, string(kind), true); err != nil {
			return fmt.Errorf("supersede conversation: %w", err)
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO conversations (`+conversationColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, userID, string(kind), string(step), string(data), true, ts, ts, nil); err != nil {
			if isUniqueViolation(err) {
				return ErrActiveConversationExists
			}
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Active returns the user's active conversation of kind, or ErrNotFound.
func (s *Store) Active(ctx context.Context, userID int64, kind conversation.Kind) (*Conversation, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = ? AND kind = ? AND is_active = ?
		 ORDER BY started_at DESC LIMIT 1`,
		userID, string(kind), true)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active conversation: %w", err)
	}
	return conv, nil
}

// Advance moves conversation id from step from to next. It fails with
// ErrStaleConversation when the row is no longer active or no longer at from.
func (s *Store) Advance(ctx context.Context, id string, from conversation.Step, next conversation.State) error {
	step, data, err := conversation.Encode(next)
	if err != nil {
		return err
	}
	if step.Kind() != from.Kind() {
		return fmt.Errorf("advance conversation: step %s does not belong to %s", step, from.Kind())
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE conversations SET step = ?, context = ?, updated_at = ?
		 WHERE id = ? AND step = ? AND is_active = ?`,
		string(step), string(data), formatTime(s.now()), id, string(from), true)
	if err != nil {
		return fmt.Errorf("advance conversation: %w", err)
	}
	return requireAffected(res, ErrStaleConversation)
}

// Complete marks the conversation finished. Same staleness rule as Advance.
func (s *Store) Complete(ctx context.Context, id string, from conversation.Step) error {
	return s.complete(ctx, s.db, id, from)
}

func (s *Store) complete(ctx context.Context, q queryer, id string, from conversation.Step) error {
	ts := formatTime(s.now())
	res, err := s.exec(ctx, q,
		`UPDATE conversations SET is_active = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND step = ? AND is_active = ?`,
		false, ts, ts, id, string(from), true)
	if err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	return requireAffected(res, ErrStaleConversation)
}

// Cancel deactivates the user's active conversation of kind without completing it.
// It reports whether anything was cancelled.
func (s *Store) Cancel(ctx context.Context, userID int64, kind conversation.Kind) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`UPDATE conversations SET is_active = ?, updated_at = ?
		 WHERE user_id = ? AND kind = ? AND is_active = ?`,
		false, formatTime(s.now()), userID, string(kind), true)
	if err != nil {
		return false, fmt.Errorf("cancel conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel conversation: %w", err)
	}
	return n > 0, nil
}

// ConversationByID returns a conversation regardless of whether it is active.
func (s *Store) ConversationByID(ctx context.Context, id string) (*Conversation, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                Conversation
		kind, step, data string
		started, updated string
		completed        sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &kind, &step, &data, &c.IsActive, &started, &updated, &completed); err != nil {
		return nil, err
	}
	state, err := conversation.Decode(conversation.Step(step), []byte(data))
	if err != nil {
		return nil, err
	}
	c.Kind = conversation.Kind(kind)
	c.State = state
	if c.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &c, nil
}

func requireAffected(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errNone
	}
	return nil
}
