package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect opens a pooled PostgreSQL handle and pings it.
func Connect(ctx context.Context, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if maxOpenConns > 0 {
		conn.SetMaxOpenConns(maxOpenConns)
		conn.SetMaxIdleConns(maxOpenConns / 2)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)

	return conn, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
