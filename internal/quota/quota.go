// Package quota enforces the AI provider's request budget: a per-minute rate
// and a per-UTC-day total, both persisted so restarts cannot reset them.
// A unit is consumed only on successful analysis; failed attempts stay free.
package quota

import (
	"context"
	"database/sql"
	"time"

	"filingbot/internal/storage"
	logx "filingbot/pkg/logx"
)

// Limits is read per call so config hot reloads take effect immediately.
// A zero value for either limit means no capacity at all.
type Limits struct {
	RPM   int
	Daily int
}

type Usage struct {
	MinuteStart time.Time
	MinuteUsed  int
	Day         string
	DayUsed     int
}

type Tracker struct {
	db      *storage.DB
	log     logx.Logger
	limits  func() Limits
	timeNow func() time.Time
}

func New(db *storage.DB, limits func() Limits, log logx.Logger) *Tracker {
	return &Tracker{db: db, log: log, limits: limits, timeNow: time.Now}
}

// Headroom reports whether one more AI request fits within both windows.
// Expired windows are rolled (and persisted) as a side effect.
func (t *Tracker) Headroom(ctx context.Context) (bool, error) {
	lim := t.limits()
	if lim.RPM <= 0 || lim.Daily <= 0 {
		return false, nil
	}
	var ok bool
	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		u, err := t.loadAndRoll(ctx, tx)
		if err != nil {
			return err
		}
		ok = u.MinuteUsed < lim.RPM && u.DayUsed < lim.Daily
		return nil
	})
	return ok, err
}

// RecordSuccess charges one unit against both windows.
func (t *Tracker) RecordSuccess(ctx context.Context) error {
	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		u, err := t.loadAndRoll(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE quota_counter SET minute_count = ?, day_count = ? WHERE id = 1`,
			u.MinuteUsed+1, u.DayUsed+1,
		)
		return err
	})
}

// Snapshot returns current usage without charging anything.
func (t *Tracker) Snapshot(ctx context.Context) (Usage, error) {
	var u Usage
	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = t.loadAndRoll(ctx, tx)
		return err
	})
	return u, err
}

// loadAndRoll reads the counter row and resets any window whose period has
// passed, persisting the roll inside the caller's transaction so a crash
// between read and decision cannot observe a half-rolled state.
func (t *Tracker) loadAndRoll(ctx context.Context, tx *sql.Tx) (Usage, error) {
	now := t.timeNow().UTC()
	curMinute := now.Truncate(time.Minute)
	curDay := now.Format("2006-01-02")

	var (
		minuteStart string
		u           Usage
	)
	err := tx.QueryRowContext(ctx,
		`SELECT minute_start, minute_count, day, day_count FROM quota_counter WHERE id = 1`,
	).Scan(&minuteStart, &u.MinuteUsed, &u.Day, &u.DayUsed)
	if err != nil {
		return Usage{}, err
	}
	u.MinuteStart, _ = time.Parse(time.RFC3339, minuteStart)

	rolled := false
	if !u.MinuteStart.Equal(curMinute) {
		u.MinuteStart = curMinute
		u.MinuteUsed = 0
		rolled = true
	}
	if u.Day != curDay {
		if u.Day != "" && !t.log.IsZero() {
			t.log.Info("daily quota window reset",
				logx.String("previous_day", u.Day),
				logx.Int("previous_used", u.DayUsed),
			)
		}
		u.Day = curDay
		u.DayUsed = 0
		rolled = true
	}
	if rolled {
		_, err = tx.ExecContext(ctx,
			`UPDATE quota_counter SET minute_start = ?, minute_count = ?, day = ?, day_count = ? WHERE id = 1`,
			u.MinuteStart.Format(time.RFC3339), u.MinuteUsed, u.Day, u.DayUsed,
		)
		if err != nil {
			return Usage{}, err
		}
	}
	return u, nil
}
