package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// --- Response helpers ---
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func jsonRawOrArray(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return []interface{}{}
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return []interface{}{}
	}
	return v
}

// withTx wraps a function in a database transaction.
// - Ensures COMMIT on success, ROLLBACK on errors or panics.
// - Keeps handler bodies tiny and all state changes atomic.
// - A commit error that is not a clean transaction abort is reported as
//   ErrPartialFailure: the statements may or may not have been applied, so
//   the caller must resync rather than retry blindly.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	defer func() {
		// If the callback panics, make sure to rollback before re-panicking
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isTransientErr(err) {
			// Serialization failure at commit: nothing was applied, safe to retry.
			return err
		}
		return fmt.Errorf("%w: %v", ErrPartialFailure, err)
	}
	return nil
}

const (
	maxTxAttempts = 3
	retryBackoff  = 200 * time.Millisecond
)

// withRetry runs a transactional function with a bounded retry budget for
// transient store failures. Only idempotent transition bodies should go
// through here; anything else uses withTx directly.
func withRetry(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = withTx(ctx, db, fn)
		if err == nil || !isTransientErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return err
}

// EdgeRow is the authoritative relationship record between two users.
type EdgeRow struct {
	ID          int
	RequesterID int
	AddresseeID int
	Status      string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// lockPair serializes all transitions on an unordered user pair, including
// pairs that do not have an edge row yet (a row lock cannot cover those).
// The advisory lock is transaction-scoped and released on commit/rollback.
func lockPair(tx *sql.Tx, a, b int) error {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	_, err := tx.Exec(`SELECT pg_advisory_xact_lock($1, $2)`, lo, hi)
	return err
}

// loadPairForUpdate returns the edge row between two users (in EITHER
// direction) and takes a row lock so no concurrent transaction can modify it
// until ours finishes. Returns (nil, nil) if no row exists yet.
func loadPairForUpdate(tx *sql.Tx, a, b int) (*EdgeRow, error) {
	row := tx.QueryRow(`
		SELECT id, requester_id, addressee_id, status, version, created_at, updated_at
		FROM edges
		WHERE (requester_id = $1 AND addressee_id = $2)
		   OR (requester_id = $2 AND addressee_id = $1)
		LIMIT 1
		FOR UPDATE
	`, a, b)

	var e EdgeRow
	if err := row.Scan(&e.ID, &e.RequesterID, &e.AddresseeID, &e.Status, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
