package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dataDir = ".commandcore"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace data directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path is the database file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), dataDir, "commandcore.db")
}

// Open opens the workspace database, creating it when absent. Foreign
// keys are enforced and concurrent writers wait instead of failing fast.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := "file:" + Path(cfg.Workspace) +
		"?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	return sql.Open("sqlite", dsn)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
