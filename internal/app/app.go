package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"commandcenter/internal/config"
	"commandcenter/internal/creator"
	"commandcenter/internal/db"
	"commandcenter/internal/draft"
	"commandcenter/internal/engine"
	"commandcenter/internal/feedback"
	"commandcenter/internal/interpret"
	"commandcenter/internal/migrate"
	"commandcenter/internal/sweeper"
)

// Options select the workspace and config used to assemble an App.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/commandcenter.yml.
	ConfigPath string
	Logger     *slog.Logger
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// App holds the wired components of one workspace.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Sweeper *sweeper.Sweeper
}

// LoadConfig reads the workspace config, falling back to defaults when no
// file exists. An explicit ConfigPath must exist.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, cfg, opts)
}

func OpenWith(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: opts.Workspace}
	if dsn := getenv("CC_DATABASE_URL"); dsn != "" {
		dbCfg.Driver, dbCfg.DSN = "postgres", dsn
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	dialect := dbCfg.Dialect()
	if _, err := migrate.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	interp, err := buildInterpreter(ctx, cfg, getenv, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	creators, err := buildCreators(cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, dialect, cfg, interp, creators)
	eng.Logger = logger
	hints, err := feedback.NewHints(eng.Repo, cfg.Interpreter.HintLimit)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng.Hints = hints
	eng.Feedback.Hints = hints

	return &App{
		Config:  cfg,
		DB:      conn,
		Dialect: dialect,
		Engine:  eng,
		Sweeper: sweeper.New(eng, cfg.Sweep.Interval, logger),
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func buildInterpreter(ctx context.Context, cfg *config.Config, getenv func(string) string, logger *slog.Logger) (interpret.Interpreter, error) {
	switch cfg.Interpreter.Provider {
	case "gemini":
		key := getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("interpreter provider gemini needs GEMINI_API_KEY")
		}
		g, err := interpret.NewGemini(ctx, key, cfg.Interpreter.Model)
		if err != nil {
			return nil, err
		}
		g.MaxQuestions = cfg.Drafts.MaxQuestions
		g.MaxAttempts = cfg.Interpreter.MaxAttempts
		g.Logger = logger
		return g, nil
	default:
		return interpret.Offline{}, nil
	}
}

// buildCreators registers an HTTP creator for every configured type and a
// local one for the rest.
func buildCreators(cfg *config.Config, logger *slog.Logger) (*creator.Registry, error) {
	reg := creator.NewRegistry()
	configured := map[draft.Type]bool{}
	for name, cc := range cfg.Creators {
		t, err := draft.ParseType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t, creator.HTTP{URL: cc.URL, Headers: cc.Headers, Logger: logger}); err != nil {
			return nil, err
		}
		configured[t] = true
	}
	for _, t := range draft.CreatableTypes {
		if configured[t] {
			continue
		}
		if err := reg.Register(t, creator.Local{}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
