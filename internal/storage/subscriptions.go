package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// NormalizeTicker canonicalizes user input ("aapl " -> "AAPL").
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// AddSubscription subscribes a user to a ticker. Returns false when the
// subscription already existed.
func (d *DB) AddSubscription(ctx context.Context, userID int64, ticker string) (bool, error) {
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return false, errors.New("empty ticker")
	}
	res, err := d.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions(user_id, ticker, created_at) VALUES(?,?,?)`,
		userID, ticker, timestamp(time.Now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveSubscription unsubscribes a user from a ticker. Returns false when
// there was nothing to remove.
func (d *DB) RemoveSubscription(ctx context.Context, userID int64, ticker string) (bool, error) {
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND ticker = ?`,
		userID, NormalizeTicker(ticker),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UserTickers lists one user's subscriptions, sorted.
func (d *DB) UserTickers(ctx context.Context, userID int64) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT ticker FROM subscriptions WHERE user_id = ? ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// WatchedTickers lists every ticker at least one user subscribes to.
func (d *DB) WatchedTickers(ctx context.Context) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT DISTINCT ticker FROM subscriptions ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Subscribers lists the user IDs watching a ticker.
func (d *DB) Subscribers(ctx context.Context, ticker string) ([]int64, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE ticker = ? ORDER BY user_id`,
		NormalizeTicker(ticker))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
