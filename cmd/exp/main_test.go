package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedientes/internal/app"
	"expedientes/internal/domain"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	setupOnce.Do(func() {
		cobra.OnInitialize(initConfig)
		addPersistentFlags()
		registerCommands()
	})
	rootCmd.SetArgs(append(args, "--json"))
	return rootCmd.ExecuteContext(context.Background())
}

func TestParseWhen(t *testing.T) {
	got, err := parseWhen("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = parseWhen("2026-03-02T09:00:00-03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), got)

	got, err = parseWhen("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseWhen("yesterday")
	assert.Error(t, err)
}

func TestCaseCommands(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, run(t, "-w", ws, "case", "create", "--id", "EXP-CLI-1", "--severity", "relevante", "--student", "stu-1", "--started-at", "2026-03-02"))
	require.NoError(t, run(t, "-w", ws, "case", "advance", "EXP-CLI-1", "notificado"))
	require.NoError(t, run(t, "-w", ws, "milestone", "add", "EXP-CLI-1", "NOTIFICADO", "--summary", "guardian notified"))
	require.NoError(t, run(t, "-w", ws, "mediation", "divert", "EXP-CLI-1", "--mechanism", "mediacion"))
	require.NoError(t, run(t, "-w", ws, "timeline", "EXP-CLI-1"))
	require.NoError(t, run(t, "-w", ws, "deadline", "EXP-CLI-1"))

	err := run(t, "-w", ws, "case", "advance", "EXP-CLI-1", "INVESTIGACION")
	assert.Error(t, err, "suspended case is locked")

	require.NoError(t, run(t, "-w", ws, "case", "unblock", "EXP-CLI-1"))

	a, err := app.Open(app.Options{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()
	c, err := a.Engine.GetCase(context.Background(), "EXP-CLI-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInvestigacion, c.Stage)
	assert.Equal(t, time.Date(2026, 3, 23, 0, 0, 0, 0, time.UTC), c.FatalDeadline)
}

func TestConfigCommands(t *testing.T) {
	ws := t.TempDir()
	assert.Error(t, run(t, "-w", ws, "config", "validate"))
	require.NoError(t, run(t, "-w", ws, "--school", "liceo-7", "config", "init"))
	assert.Error(t, run(t, "-w", ws, "--school", "liceo-7", "config", "init"), "refuses to overwrite")
	require.NoError(t, run(t, "-w", ws, "config", "validate"))
	require.NoError(t, run(t, "-w", ws, "config", "show"))
}
