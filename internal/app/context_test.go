package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ideafunnel/internal/config"
	"ideafunnel/internal/engine"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "lifecycle:\n  step_deadline: 2h\n"
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))

	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: ws, LogMode: "prod"})
	require.NoError(t, err)
	defer a.Close(ctx)

	require.Equal(t, 2*time.Hour, a.Config.Lifecycle.StepDeadline)
	require.Equal(t, 100, a.Config.Lifecycle.MinDescriptionLength)
	require.FileExists(t, filepath.Join(ws, ".funnel", "funnel.db"))

	_, err = a.Engine.GetIdea(ctx, "missing")
	require.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestOpenWithoutConfigFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer a.Close(ctx)
	require.Equal(t, config.Default().Lifecycle.StepDeadline, a.Config.Lifecycle.StepDeadline)
}

func TestOpenRejectsInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("sweeper:\n  concurrency: 0\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigFile: path})
	require.Error(t, err)
}
