package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/nodes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is limited to one open connection, so at most one
// logical query or transaction runs at a time per handle.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&eventlog.Session{},
		&eventlog.Event{},
		&eventlog.LayerPayload{},
		&eventlog.AnimationPayload{},
		&eventlog.MoviePayload{},
		&eventlog.Cursor{},
		&nodes.Node{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
