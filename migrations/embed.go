// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply them without a checkout on disk.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against the embedded migrations.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, "up", db)
}
