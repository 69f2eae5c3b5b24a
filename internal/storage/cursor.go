package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Cursor marks the newest filing discovery has already seen for a ticker.
// It only bounds how much work a sweep considers; the analysis_jobs primary
// key is what actually deduplicates.
type Cursor struct {
	Ticker          string
	AccessionNumber string
	FilingType      string
}

func (d *DB) GetCursor(ctx context.Context, ticker string) (Cursor, bool, error) {
	c := Cursor{Ticker: NormalizeTicker(ticker)}
	err := d.sql.QueryRowContext(ctx,
		`SELECT last_accession_number, last_filing_type FROM latest_filings WHERE ticker = ?`,
		c.Ticker,
	).Scan(&c.AccessionNumber, &c.FilingType)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

func (d *DB) SetCursor(ctx context.Context, c Cursor) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO latest_filings(ticker, last_accession_number, last_filing_type, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(ticker) DO UPDATE SET
		   last_accession_number = excluded.last_accession_number,
		   last_filing_type      = excluded.last_filing_type,
		   updated_at            = excluded.updated_at`,
		NormalizeTicker(c.Ticker), c.AccessionNumber, c.FilingType, timestamp(time.Now()),
	)
	return err
}
