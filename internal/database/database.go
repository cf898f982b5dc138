package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/events/*.sql migrations/sessions/*.sql migrations/approvals/*.sql
var embedMigrations embed.FS

// Schema selects which migration set applies to a database file. Each
// context keeps one file per schema.
type Schema string

const (
	SchemaEvents    Schema = "events"
	SchemaSessions  Schema = "sessions"
	SchemaApprovals Schema = "approvals"
)

// goose configuration is package-global; serialize migrations across the
// three schemas.
var migrateMu sync.Mutex

// Open opens (or creates) a SQLite database at dbPath, applies PRAGMAs for
// WAL mode and busy timeout, and runs any pending migrations for the schema.
func Open(ctx context.Context, dbPath string, schema Schema) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite serialises writes; limit to one connection.
	db.SetMaxOpenConns(1)

	if err := pragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func pragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("setting %s: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB, schema Schema) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/"+string(schema)); err != nil {
		return fmt.Errorf("running %s migrations: %w", schema, err)
	}
	return nil
}
