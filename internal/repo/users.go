package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ideafunnel/internal/domain"
)

// EnsureUser creates a fresh profile if none exists and reports whether it did.
// Existing rows are untouched.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, displayName, baseRank string, now time.Time) (bool, error) {
	ts := FormatTime(now)
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO users(id, display_name, points, level, rank, created_at, updated_at) VALUES (?,?,0,1,?,?,?)`,
		id, nullable(displayName), baseRank, ts, ts)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetUser loads a profile including its badges; tx may be nil.
func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.UserProfile, error) {
	var (
		u                    domain.UserProfile
		name                 sql.NullString
		createdAt, updatedAt string
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,display_name,points,level,rank,stats_success,stats_failed,stats_in_progress,created_at,updated_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &name, &u.Points, &u.Level, &u.Rank, &u.Stats.Success, &u.Stats.Failed, &u.Stats.InProgress, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if name.Valid {
		u.DisplayName = name.String
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return u, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return u, err
	}
	u.Badges, err = r.ListBadges(ctx, tx, id)
	return u, err
}

// UpdateProgression writes points, level, rank and stats in one statement.
func (r Repo) UpdateProgression(ctx context.Context, tx *sql.Tx, u domain.UserProfile) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET points=?, level=?, rank=?, stats_success=?, stats_failed=?, stats_in_progress=?, updated_at=? WHERE id=?`,
		u.Points, u.Level, u.Rank, u.Stats.Success, u.Stats.Failed, u.Stats.InProgress, FormatTime(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("update user progression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBadges returns badges in grant order.
func (r Repo) ListBadges(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Badge, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT name,label,icon,earned_at FROM user_badges WHERE user_id=? ORDER BY earned_at, name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Badge{}
	for rows.Next() {
		var (
			b  domain.Badge
			at string
		)
		if err := rows.Scan(&b.Name, &b.Label, &b.Icon, &at); err != nil {
			return nil, err
		}
		if b.EarnedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// GrantBadge inserts a badge once. It reports false when the user already had it.
func (r Repo) GrantBadge(ctx context.Context, tx *sql.Tx, userID string, b domain.Badge) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_badges(user_id,name,label,icon,earned_at) VALUES (?,?,?,?,?)`,
		userID, b.Name, b.Label, b.Icon, FormatTime(b.EarnedAt))
	if err != nil {
		return false, fmt.Errorf("grant badge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
