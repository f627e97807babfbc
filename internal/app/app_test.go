package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"commandcenter/internal/config"
	"commandcenter/internal/creator"
	"commandcenter/internal/draft"
	"commandcenter/internal/interpret"
)

func noEnv(string) string { return "" }

func TestOpenWithDefaults(t *testing.T) {
	ws := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: ws, Getenv: noEnv})
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, "offline", a.Config.Interpreter.Provider)
	_, ok := a.Engine.Interpreter.(interpret.Offline)
	require.True(t, ok)
	require.NotNil(t, a.Engine.Hints)
	require.Same(t, a.Engine.Hints, a.Engine.Feedback.Hints)
	require.Empty(t, a.Engine.Creators.Missing())
	_, err = os.Stat(filepath.Join(ws, ".commandcenter", "commandcenter.db"))
	require.NoError(t, err)
}

func TestConfiguredCreatorsUseHTTP(t *testing.T) {
	cfg := config.Default()
	cfg.Creators = map[string]config.CreatorConfig{"bill": {URL: "http://127.0.0.1:1/bills"}}
	a, err := OpenWith(context.Background(), cfg, Options{Workspace: t.TempDir(), Getenv: noEnv})
	require.NoError(t, err)
	defer a.Close()

	c, err := a.Engine.Creators.For(draft.TypeBill)
	require.NoError(t, err)
	require.IsType(t, creator.HTTP{}, c)
	c, err = a.Engine.Creators.For(draft.TypeTask)
	require.NoError(t, err)
	require.IsType(t, creator.Local{}, c)
}

func TestGeminiNeedsAPIKey(t *testing.T) {
	cfg := config.Default()
	cfg.Interpreter.Provider = "gemini"
	_, err := OpenWith(context.Background(), cfg, Options{Workspace: t.TempDir(), Getenv: noEnv})
	require.ErrorContains(t, err, "GEMINI_API_KEY")
}

func TestExplicitConfigPathMustExist(t *testing.T) {
	_, err := LoadConfig(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")})
	require.Error(t, err)
}
