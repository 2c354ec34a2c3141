package pipeline

import (
	"database/sql"
	"fmt"
	"time"
)

// JobStatus is one account's import job row, as surfaced by status output.
type JobStatus struct {
	Account   string  `json:"account"`
	RunID     string  `json:"run_id"`
	Status    string  `json:"status"`
	Phase     string  `json:"phase"`
	Current   int64   `json:"current"`
	Total     int64   `json:"total"`
	StartedAt *int64  `json:"started_at,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
	LastError *string `json:"last_error,omitempty"`
}

func ensureJobsTable(db *sql.DB) error {
	// Keep this defensive: existing installs may not have re-run init.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS import_jobs (
			account TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			current INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			started_at INTEGER,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure import_jobs table: %w", err)
	}
	return nil
}

func startJob(db *sql.DB, account, runID string) error {
	if err := ensureJobsTable(db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO import_jobs (account, run_id, status, phase, current, total, last_error, started_at, updated_at)
		VALUES (?, ?, 'running', 'extract', 0, 0, NULL, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			run_id = excluded.run_id,
			status = 'running',
			phase = 'extract',
			current = 0,
			total = 0,
			last_error = NULL,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`, account, runID, now, now)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	return nil
}

func updateJob(db *sql.DB, account, phase string, current, total int64) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		UPDATE import_jobs SET phase = ?, current = ?, total = ?, updated_at = ?
		WHERE account = ?
	`, phase, current, total, now, account)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func finishJob(db *sql.DB, account, status string, errMsg *string) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		UPDATE import_jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE account = ?
	`, status, errMsg, now, account)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// ListJobs returns every account's most recent import job.
func ListJobs(db *sql.DB) ([]JobStatus, error) {
	if err := ensureJobsTable(db); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT account, run_id, status, phase, current, total, last_error, started_at, updated_at
		FROM import_jobs
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobStatus
	for rows.Next() {
		var js JobStatus
		var lastErr sql.NullString
		var startedAt sql.NullInt64
		if err := rows.Scan(&js.Account, &js.RunID, &js.Status, &js.Phase, &js.Current, &js.Total,
			&lastErr, &startedAt, &js.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		if lastErr.Valid {
			js.LastError = &lastErr.String
		}
		if startedAt.Valid {
			v := startedAt.Int64
			js.StartedAt = &v
		}
		out = append(out, js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating job rows: %w", err)
	}
	return out, nil
}
