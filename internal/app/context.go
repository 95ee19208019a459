package app

import (
	"database/sql"
	"fmt"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/engine"
	"dispatchline/internal/migrate"
)

// Open prepares a workspace for use: ensures the data directory, opens the
// store, applies migrations and loads config. The caller owns the returned
// connection.
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
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// NewEngine is the standard wiring used by the CLI and the server.
func NewEngine(workspace string) (engine.Engine, func() error, error) {
	conn, cfg, err := Open(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg), conn.Close, nil
}
