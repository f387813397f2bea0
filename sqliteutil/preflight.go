// Package sqliteutil holds shared SQLite health checks for the station
// database. The database is the engine's primary input, so a failed check
// is fatal for the run; nothing is repaired or renamed in place.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCorrupt reports that the database failed its integrity check.
var ErrCorrupt = errors.New("sqliteutil: database failed quick_check")

// PreflightResult reports the outcome of a database preflight.
type PreflightResult struct {
	Elapsed         time.Duration
	CheckpointError error // nil when the WAL checkpoint succeeded
	CheckError      error // nil when quick_check succeeded
}

// Preflight runs a bounded WAL checkpoint plus quick_check against an open
// database before a run starts. A stale WAL left behind by a crashed editing
// session gets folded back into the main file; any integrity complaint comes
// back as an error the caller should treat as fatal.
func Preflight(db *sql.DB, role string, timeout time.Duration) (PreflightResult, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res := PreflightResult{}
	res.CheckpointError = runCheckpoint(ctx, db)
	res.CheckError = quickCheck(ctx, db)
	res.Elapsed = time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("sqliteutil: %s preflight timed out after %s", role, timeout)
	}
	if res.CheckError != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrCorrupt, role, res.CheckError)
	}
	if res.CheckpointError != nil {
		return res, fmt.Errorf("sqliteutil: %s checkpoint: %w", role, res.CheckpointError)
	}
	return res, nil
}

func runCheckpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	return err
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}
