package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ideafunnel/internal/db"
	"ideafunnel/internal/domain"
	"ideafunnel/internal/migrate"
	"ideafunnel/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func TestDeadPoolDeleteIsSingleUse(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	entry := domain.DeadPoolEntry{
		ID:            "e1",
		SourceIdeaID:  "i1",
		SourceOwnerID: "alice",
		Title:         "AIサービス",
		LastStep:      2,
		Tags:          []string{"AI", "Service", "Idea"},
		ReclaimPoints: 30,
		ExpiredAt:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		return r.InsertDeadPoolEntry(ctx, tx, entry)
	}))

	got, err := r.GetDeadPoolEntry(ctx, nil, "e1")
	require.NoError(t, err)
	require.Equal(t, entry, got)

	hits, err := r.ListDeadPool(ctx, repo.DeadPoolFilters{Tag: "Service"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	misses, err := r.ListDeadPool(ctx, repo.DeadPoolFilters{Tag: "service"})
	require.NoError(t, err)
	require.Empty(t, misses)

	del := func() error {
		return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
			return r.DeleteDeadPoolEntry(ctx, tx, "e1")
		})
	}
	require.NoError(t, del())
	require.ErrorIs(t, del(), repo.ErrNotFound)
	_, err = r.GetDeadPoolEntry(ctx, nil, "e1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEnsureUserReportsCreation(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	created, err := r.EnsureUser(ctx, nil, "alice", "Alice", "Idea Beginner", now)
	require.NoError(t, err)
	require.True(t, created)
	created, err = r.EnsureUser(ctx, nil, "alice", "Someone else", "Idea Beginner", now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, created)

	u, err := r.GetUser(ctx, nil, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", u.DisplayName)
	require.Equal(t, 1, u.Level)
	require.True(t, u.CreatedAt.Equal(now))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := r.EnsureUser(ctx, tx, "bob", "", "Idea Beginner", time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = r.GetUser(ctx, nil, "bob")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestIsBusy(t *testing.T) {
	require.True(t, db.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.False(t, db.IsBusy(errors.New("constraint failed")))
	require.False(t, db.IsBusy(nil))
}
