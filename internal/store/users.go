package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TouchUser registers a bot user on first contact, or refreshes the profile and
// bumps the interaction counter. It reports whether the user is new.
func (s *Store) TouchUser(ctx context.Context, u User) (bool, error) {
	now := formatTime(s.now())
	created := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := s.queryRow(ctx, tx,
			`SELECT interaction_count FROM bot_users WHERE telegram_user_id = ?`, u.TelegramID).Scan(&count)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			_, err = s.exec(ctx, tx,
				`INSERT INTO bot_users (telegram_user_id, username, first_name, last_name, language_code,
					is_active, interaction_count, last_interaction, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.TelegramID, u.Username, u.FirstName, u.LastName, u.LanguageCode, true, 1, now, now)
			if err != nil {
				return fmt.Errorf("insert user %d: %w", u.TelegramID, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("find user %d: %w", u.TelegramID, err)
		}

		_, err = s.exec(ctx, tx,
			`UPDATE bot_users SET username = ?, first_name = ?, last_name = ?, language_code = ?,
				is_active = ?, interaction_count = ?, last_interaction = ?
			 WHERE telegram_user_id = ?`,
			u.Username, u.FirstName, u.LastName, u.LanguageCode, true, count+1, now, u.TelegramID)
		if err != nil {
			return fmt.Errorf("update user %d: %w", u.TelegramID, err)
		}
		return nil
	})
	return created, err
}

func (s *Store) UserByID(ctx context.Context, telegramID int64) (*User, error) {
	var (
		u             User
		last, created string
	)
	err := s.queryRow(ctx, s.db,
		`SELECT telegram_user_id, username, first_name, last_name, language_code, is_active,
			interaction_count, last_interaction, created_at
		 FROM bot_users WHERE telegram_user_id = ?`, telegramID).
		Scan(&u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.LanguageCode, &u.IsActive,
			&u.InteractionCount, &last, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u.LastInteraction, err = parseTime(last); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveUsers returns the Telegram ids of every active bot user.
func (s *Store) ActiveUsers(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT telegram_user_id FROM bot_users WHERE is_active = ? ORDER BY telegram_user_id`, true)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetUserActive toggles whether a user receives broadcasts.
func (s *Store) SetUserActive(ctx context.Context, telegramID int64, active bool) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE bot_users SET is_active = ? WHERE telegram_user_id = ?`, active, telegramID)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}
