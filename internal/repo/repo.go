package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ideafunnel/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed-width UTC so stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// tolerate RFC3339 values written by hand
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const ideaColumns = `id,owner_id,title,description,research,prototype,release,step,status,deadline,inherited_from,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdea(row rowScanner) (domain.Idea, error) {
	var (
		it                   domain.Idea
		deadline, inherited  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&it.ID, &it.OwnerID, &it.Title, &it.Description, &it.Research, &it.Prototype, &it.Release,
		&it.Step, &it.Status, &deadline, &inherited, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if deadline.Valid {
		d, err := parseTime(deadline.String)
		if err != nil {
			return it, fmt.Errorf("idea %s deadline: %w", it.ID, err)
		}
		it.Deadline = &d
	}
	if inherited.Valid {
		it.InheritedFrom = &inherited.String
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return it, err
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return it, err
	}
	return it, nil
}

// InsertIdea stores a new idea together with its history rows.
func (r Repo) InsertIdea(ctx context.Context, tx *sql.Tx, it domain.Idea) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ideas(`+ideaColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.OwnerID, it.Title, it.Description, it.Research, it.Prototype, it.Release, it.Step, it.Status,
		nullableTime(it.Deadline), nullableStringPtr(it.InheritedFrom), FormatTime(it.CreatedAt), FormatTime(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert idea: %w", err)
	}
	for _, h := range it.History {
		if err := r.AppendHistory(ctx, tx, it.ID, h); err != nil {
			return err
		}
	}
	return nil
}

// AppendHistory records a step submission. The (idea, step) key rejects duplicates.
func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, ideaID string, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO idea_history(idea_id,step,at) VALUES (?,?,?)`, ideaID, h.Step, FormatTime(h.At))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// GetIdea loads an idea and its history; tx may be nil.
func (r Repo) GetIdea(ctx context.Context, tx *sql.Tx, id string) (domain.Idea, error) {
	it, err := scanIdea(r.q(tx).QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	it.History, err = r.listHistory(ctx, tx, id)
	return it, err
}

func (r Repo) listHistory(ctx context.Context, tx *sql.Tx, ideaID string) ([]domain.HistoryEntry, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT step,at FROM idea_history WHERE idea_id=? ORDER BY step`, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			h  domain.HistoryEntry
			at string
		)
		if err := rows.Scan(&h.Step, &at); err != nil {
			return nil, err
		}
		if h.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// AdvanceIdea writes the result of a step submission. The update only applies
// while the row still holds fromStep and is in progress; a stale caller gets
// ErrStale and must not commit.
func (r Repo) AdvanceIdea(ctx context.Context, tx *sql.Tx, it domain.Idea, fromStep int) error {
	res, err := tx.ExecContext(ctx, `UPDATE ideas SET research=?, prototype=?, release=?, step=?, status=?, deadline=?, updated_at=?
WHERE id=? AND step=? AND status='in_progress' AND deadline IS NOT NULL`,
		it.Research, it.Prototype, it.Release, it.Step, it.Status, nullableTime(it.Deadline), FormatTime(it.UpdatedAt),
		it.ID, fromStep)
	if err != nil {
		return fmt.Errorf("advance idea: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// ErrStale reports that a conditional update found the row changed.
var ErrStale = errors.New("stale write")

// MarkIdeaDead retires an overdue idea. It only applies while the idea is
// still in progress at the observed step with a deadline before now.
func (r Repo) MarkIdeaDead(ctx context.Context, tx *sql.Tx, id string, step int, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE ideas SET status='dead', deadline=NULL, updated_at=?
WHERE id=? AND step=? AND status='in_progress' AND deadline IS NOT NULL AND deadline < ?`,
		FormatTime(now), id, step, FormatTime(now))
	if err != nil {
		return fmt.Errorf("mark idea dead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

type IdeaFilters struct {
	OwnerID        string
	Status         string
	DeadlineBefore *time.Time
	Limit          int
}

// ListIdeas evaluates equality on owner/status and less-than on deadline.
func (r Repo) ListIdeas(ctx context.Context, f IdeaFilters) ([]domain.Idea, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DeadlineBefore != nil {
		clauses = append(clauses, "deadline IS NOT NULL AND deadline < ?")
		args = append(args, FormatTime(*f.DeadlineBefore))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ideaColumns + ` FROM ideas ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Idea
	for rows.Next() {
		it, err := scanIdea(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].History, err = r.listHistory(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountIdeas returns the number of ideas for an owner in the given status.
func (r Repo) CountIdeas(ctx context.Context, tx *sql.Tx, ownerID, status string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM ideas WHERE owner_id=? AND status=?`, ownerID, status).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}
