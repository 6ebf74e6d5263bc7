package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"pricediff/internal/model"
)

// Reader provides read-only access to the latest artifacts.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadLatest loads the artifact for exchange/interval. Returns nil, nil if
// nothing has been published. Both queries run in one read transaction so the
// header and rows belong to the same publish.
func (r *Reader) ReadLatest(ctx context.Context, exchange string, interval int) (*model.ResultArtifact, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("sqlite begin read: %w", err)
	}
	defer tx.Rollback()

	var publishedAt float64
	err = tx.QueryRowContext(ctx,
		`SELECT published_at FROM diff_artifacts WHERE exchange = ? AND interval_s = ?`,
		exchange, interval,
	).Scan(&publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite query artifact: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT symbol, old_price, new_price, pct
		FROM diff_records
		WHERE exchange = ? AND interval_s = ?
		ORDER BY symbol ASC
	`, exchange, interval)
	if err != nil {
		return nil, fmt.Errorf("sqlite query records: %w", err)
	}
	defer rows.Close()

	a := &model.ResultArtifact{
		Exchange:    exchange,
		Interval:    interval,
		PublishedAt: model.FromUnixSeconds(publishedAt),
	}
	for rows.Next() {
		var rec model.DiffRecord
		if err := rows.Scan(&rec.Symbol, &rec.Old, &rec.New, &rec.Pct); err != nil {
			return nil, fmt.Errorf("sqlite scan record: %w", err)
		}
		a.Records = append(a.Records, rec)
	}
	return a, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
