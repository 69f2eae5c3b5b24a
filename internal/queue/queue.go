// Package queue is the durable analysis job queue backing the pipeline.
//
// State machine:
//
//	PENDING -> IN_PROGRESS -> COMPLETED
//	                       -> PENDING        (failure, retries left)
//	                       -> PERMANENT_FAIL (failure, retry ceiling hit)
//
// Jobs live in SQLite so the queue survives restarts; IN_PROGRESS rows found
// at startup are requeued by RecoverAbandoned.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"filingbot/internal/storage"
	logx "filingbot/pkg/logx"
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusCompleted     Status = "COMPLETED"
	StatusPermanentFail Status = "PERMANENT_FAIL"
)

// Job is one filing awaiting (or past) AI analysis. AccessionNumber is the
// SEC-global identity of the filing and the queue's dedup key.
type Job struct {
	AccessionNumber string
	Ticker          string
	FilingType      string
	FilingURL       string
	FilingDate      string
	Status          Status
	RetryCount      int
	LastError       string
	Analysis        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Queue struct {
	db         *storage.DB
	log        logx.Logger
	maxRetries int
}

func New(db *storage.DB, maxRetries int, log logx.Logger) *Queue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{db: db, log: log, maxRetries: maxRetries}
}

// Enqueue inserts a new PENDING job. Returns false when a job with the same
// accession number already exists, whatever its state; re-discovery of a
// known filing is a no-op.
func (q *Queue) Enqueue(ctx context.Context, j Job) (bool, error) {
	if j.AccessionNumber == "" {
		return false, errors.New("job accession number is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.Handle().ExecContext(ctx,
		`INSERT OR IGNORE INTO analysis_jobs
		   (accession_number, ticker, filing_type, filing_url, filing_date, status, retry_count, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,0,?,?)`,
		j.AccessionNumber, storage.NormalizeTicker(j.Ticker), j.FilingType, j.FilingURL, j.FilingDate,
		StatusPending, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 && !q.log.IsZero() {
		q.log.Info("job enqueued",
			logx.String("accession", j.AccessionNumber),
			logx.String("ticker", j.Ticker),
			logx.String("filing_type", j.FilingType),
		)
	}
	return n > 0, nil
}

// ClaimNext atomically moves the oldest PENDING job to IN_PROGRESS and
// returns it. The read and the status flip share one transaction so two
// processors can never claim the same job.
func (q *Queue) ClaimNext(ctx context.Context) (Job, bool, error) {
	var j Job
	var claimed bool
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT accession_number, ticker, filing_type, filing_url, filing_date, retry_count
			 FROM analysis_jobs WHERE status = ? ORDER BY created_at ASC, accession_number ASC LIMIT 1`,
			StatusPending,
		)
		if err := row.Scan(&j.AccessionNumber, &j.Ticker, &j.FilingType, &j.FilingURL, &j.FilingDate, &j.RetryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE analysis_jobs SET status = ?, updated_at = ? WHERE accession_number = ?`,
			StatusInProgress, time.Now().UTC().Format(time.RFC3339Nano), j.AccessionNumber,
		)
		if err != nil {
			return err
		}
		j.Status = StatusInProgress
		claimed = true
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	return j, claimed, nil
}

// MarkCompleted finishes a claimed job, persisting the analysis JSON.
func (q *Queue) MarkCompleted(ctx context.Context, accession, analysisJSON string) error {
	res, err := q.db.Handle().ExecContext(ctx,
		`UPDATE analysis_jobs
		 SET status = ?, analysis = ?, last_error = NULL, updated_at = ?
		 WHERE accession_number = ? AND status = ?`,
		StatusCompleted, analysisJSON, time.Now().UTC().Format(time.RFC3339Nano),
		accession, StatusInProgress,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not in progress", accession)
	}
	return nil
}

// MarkFailure records a failed attempt on a claimed job. The job returns to
// PENDING while the retry ceiling allows another attempt; otherwise it is
// parked as PERMANENT_FAIL. Reports whether the failure was terminal.
func (q *Queue) MarkFailure(ctx context.Context, accession string, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var permanent bool
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE analysis_jobs
			 SET retry_count = retry_count + 1,
			     status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
			     last_error = ?,
			     updated_at = ?
			 WHERE accession_number = ? AND status = ?`,
			q.maxRetries, StatusPermanentFail, StatusPending,
			msg, time.Now().UTC().Format(time.RFC3339Nano),
			accession, StatusInProgress,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s not in progress", accession)
		}
		var st Status
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM analysis_jobs WHERE accession_number = ?`, accession,
		).Scan(&st); err != nil {
			return err
		}
		permanent = st == StatusPermanentFail
		return nil
	})
	if err != nil {
		return false, err
	}
	if !q.log.IsZero() {
		if permanent {
			q.log.Error("job permanently failed", logx.String("accession", accession), logx.String("cause", msg))
		} else {
			q.log.Warn("job attempt failed; requeued", logx.String("accession", accession), logx.String("cause", msg))
		}
	}
	return permanent, nil
}

// RecoverAbandoned requeues jobs left IN_PROGRESS by a previous process.
// Run once at startup before the processor starts; the interrupted attempt
// does not count against the retry ceiling.
func (q *Queue) RecoverAbandoned(ctx context.Context) (int, error) {
	res, err := q.db.Handle().ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusInProgress,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 && !q.log.IsZero() {
		q.log.Warn("recovered abandoned jobs", logx.Int64("count", n))
	}
	return int(n), nil
}

// Get returns one job by accession number.
func (q *Queue) Get(ctx context.Context, accession string) (Job, bool, error) {
	var (
		j          Job
		lastErr    sql.NullString
		analysis   sql.NullString
		created    string
		updated    string
		statusText string
	)
	err := q.db.Handle().QueryRowContext(ctx,
		`SELECT accession_number, ticker, filing_type, filing_url, filing_date,
		        status, retry_count, last_error, analysis, created_at, updated_at
		 FROM analysis_jobs WHERE accession_number = ?`, accession,
	).Scan(&j.AccessionNumber, &j.Ticker, &j.FilingType, &j.FilingURL, &j.FilingDate,
		&statusText, &j.RetryCount, &lastErr, &analysis, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	j.Status = Status(statusText)
	j.LastError = lastErr.String
	j.Analysis = analysis.String
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return j, true, nil
}

// CountByStatus is used by the operator /status command.
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.Handle().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}
