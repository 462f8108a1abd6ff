package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/migrations"
	"github.com/pressly/goose/v3"
)

// Open returns the store selected by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Type {
	case config.DatabasePostgres:
		return NewPgStore(ctx, cfg.DSN)
	case config.DatabaseBuntDB:
		return NewBuntStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}

// Migrate applies all pending embedded migrations to the postgres
// database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}
