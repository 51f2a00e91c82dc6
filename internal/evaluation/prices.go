package evaluation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const pricesSchema = `
CREATE TABLE IF NOT EXISTS prices (
	symbol TEXT NOT NULL,
	date   TEXT NOT NULL,
	close  REAL NOT NULL,
	PRIMARY KEY (symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_prices_symbol_date ON prices(symbol, date);
`

const dateFormat = "2006-01-02"

// PriceRepository is a SeriesSource backed by the history database.
type PriceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceRepository creates a price repository and ensures the schema exists
func NewPriceRepository(db *sql.DB, log zerolog.Logger) (*PriceRepository, error) {
	if _, err := db.Exec(pricesSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize prices schema: %w", err)
	}

	return &PriceRepository{
		db:  db,
		log: log.With().Str("repo", "prices").Logger(),
	}, nil
}

// Closes returns daily closing prices for a symbol inside [start, end], oldest first
func (r *PriceRepository) Closes(ctx context.Context, symbol string, start, end time.Time) ([]float64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT close FROM prices WHERE symbol = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		symbol, start.Format(dateFormat), end.Format(dateFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query closes for %s: %w", symbol, err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan close for %s: %w", symbol, err)
		}
		closes = append(closes, c)
	}
	return closes, rows.Err()
}

// Upsert stores one daily close, replacing any previous value for the day
func (r *PriceRepository) Upsert(symbol string, date time.Time, close float64) error {
	_, err := r.db.Exec(
		`INSERT INTO prices (symbol, date, close) VALUES (?, ?, ?)
		 ON CONFLICT(symbol, date) DO UPDATE SET close = excluded.close`,
		symbol, date.Format(dateFormat), close,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert price for %s: %w", symbol, err)
	}
	return nil
}
