package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ideafunnel/internal/domain"
)

const deadPoolColumns = `id,source_idea_id,source_owner_id,title,last_step,tags_json,reclaim_points,expired_at`

func scanDeadPoolEntry(row rowScanner) (domain.DeadPoolEntry, error) {
	var (
		e               domain.DeadPoolEntry
		tags, expiredAt string
	)
	err := row.Scan(&e.ID, &e.SourceIdeaID, &e.SourceOwnerID, &e.Title, &e.LastStep, &tags, &e.ReclaimPoints, &expiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return e, fmt.Errorf("dead pool entry %s tags: %w", e.ID, err)
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	e.ExpiredAt, err = parseTime(expiredAt)
	return e, err
}

func (r Repo) InsertDeadPoolEntry(ctx context.Context, tx *sql.Tx, e domain.DeadPoolEntry) error {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dead_pool(`+deadPoolColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.SourceIdeaID, e.SourceOwnerID, e.Title, e.LastStep, string(tagsJSON), e.ReclaimPoints, FormatTime(e.ExpiredAt))
	if err != nil {
		return fmt.Errorf("insert dead pool entry: %w", err)
	}
	return nil
}

// GetDeadPoolEntry returns ErrNotFound once the entry has been claimed.
func (r Repo) GetDeadPoolEntry(ctx context.Context, tx *sql.Tx, id string) (domain.DeadPoolEntry, error) {
	return scanDeadPoolEntry(r.q(tx).QueryRowContext(ctx, `SELECT `+deadPoolColumns+` FROM dead_pool WHERE id=?`, id))
}

// DeleteDeadPoolEntry is the claim token: exactly one caller sees a row removed,
// every other caller gets ErrNotFound.
func (r Repo) DeleteDeadPoolEntry(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM dead_pool WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete dead pool entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DeadPoolFilters struct {
	Tag   string
	Limit int
}

// ListDeadPool returns unclaimed entries, most recently expired first.
func (r Repo) ListDeadPool(ctx context.Context, f DeadPoolFilters) ([]domain.DeadPoolEntry, error) {
	query := `SELECT ` + deadPoolColumns + ` FROM dead_pool`
	var args []any
	if f.Tag != "" {
		query += ` WHERE EXISTS (SELECT 1 FROM json_each(dead_pool.tags_json) WHERE json_each.value = ?)`
		args = append(args, f.Tag)
	}
	query += ` ORDER BY expired_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadPoolEntry
	for rows.Next() {
		e, err := scanDeadPoolEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
