package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"pricediff/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// WriterConfig configures the SQLite result sink.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/pricediff.db"
}

// Writer is a ResultSink that keeps only the latest artifact per
// exchange/interval. Each publish replaces the rows in one transaction, so a
// concurrent reader sees either the old artifact or the new one.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// Single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS diff_artifacts (
			exchange     TEXT    NOT NULL,
			interval_s   INTEGER NOT NULL,
			published_at REAL    NOT NULL,
			records      INTEGER NOT NULL,
			PRIMARY KEY (exchange, interval_s)
		);

		CREATE TABLE IF NOT EXISTS diff_records (
			exchange   TEXT    NOT NULL,
			interval_s INTEGER NOT NULL,
			symbol     TEXT    NOT NULL,
			old_price  REAL    NOT NULL,
			new_price  REAL    NOT NULL,
			pct        REAL    NOT NULL,
			PRIMARY KEY (exchange, interval_s, symbol)
		);
	`)
	return err
}

// Name implements model.ResultSink.
func (w *Writer) Name() string { return "sqlite" }

// Publish replaces the stored artifact for a.Exchange / a.Interval.
func (w *Writer) Publish(ctx context.Context, a *model.ResultArtifact) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM diff_records WHERE exchange = ? AND interval_s = ?`,
		a.Exchange, a.Interval,
	); err != nil {
		return fmt.Errorf("sqlite clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO diff_records (exchange, interval_s, symbol, old_price, new_price, pct)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range a.Records {
		if _, err := stmt.ExecContext(ctx, a.Exchange, a.Interval, r.Symbol, r.Old, r.New, r.Pct); err != nil {
			return fmt.Errorf("sqlite insert %s: %w", r.Symbol, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO diff_artifacts (exchange, interval_s, published_at, records)
		VALUES (?, ?, ?, ?)
	`, a.Exchange, a.Interval, model.UnixSeconds(a.PublishedAt), len(a.Records)); err != nil {
		return fmt.Errorf("sqlite upsert artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}

	log.Printf("[sqlite] committed %ds artifact (%d records) in %v", a.Interval, len(a.Records), time.Since(start))
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
