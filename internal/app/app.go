package app

import (
	"context"
	"database/sql"
	"os"
	"time"

	"commandcore/internal/config"
	"commandcore/internal/db"
	"commandcore/internal/executor"
	"commandcore/internal/migrate"
	"commandcore/internal/planner"
)

// GeminiKeyEnv is the credential that unlocks the planner. Missions are
// blocked while it is absent.
const GeminiKeyEnv = "COMMANDCORE_GEMINI_API_KEY"

// Open prepares the workspace: ensures the data directory, opens the
// database and applies migrations, and loads config (defaults when the
// file is absent).
func Open(workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// BuildPlanner constructs the Gemini planner from the environment
// credential. Returns nil when the key is not set.
func BuildPlanner(ctx context.Context, cfg *config.Config) (*planner.Gemini, error) {
	apiKey := os.Getenv(GeminiKeyEnv)
	if apiKey == "" {
		return nil, nil
	}
	timeout := time.Duration(cfg.Planner.TimeoutSeconds) * time.Second
	return planner.NewGemini(ctx, apiKey, cfg.Planner.Model, cfg.Planner.VisionModel, timeout)
}

// BuildExecutor constructs the command bridge client when configured.
func BuildExecutor(cfg *config.Config) *executor.Client {
	if cfg.Executor.URL == "" {
		return nil
	}
	return executor.New(cfg.Executor.URL, time.Duration(cfg.Executor.TimeoutSeconds)*time.Second)
}
