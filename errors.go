package main

import (
	"database/sql/driver"
	"errors"
	"net/http"

	"github.com/lib/pq"
)

// Failure taxonomy for relationship transitions. Every transition resolves to
// success, one of these, or a plain database error; nothing is silently dropped.
var (
	// ErrInvalidTransition: the state machine precondition does not hold
	// (e.g. requesting a user you dismissed, dismissing a pending candidate).
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotPending: accept/decline/cancel with no matching pending edge.
	ErrNotPending = errors.New("no matching pending request")

	// ErrPartialFailure: the commit outcome is unknown (connection lost mid
	// commit). The caller must resynchronize from the store instead of
	// trusting local state.
	ErrPartialFailure = errors.New("transition outcome unknown")
)

// isTransientErr reports whether a database error is worth retrying:
// serialization failures, deadlocks, and connection-class errors.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return true
		}
	}
	return false
}

// writeTransitionError maps a transition failure onto the HTTP surface.
func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_state")
	case errors.Is(err, ErrNotPending):
		writeError(w, http.StatusNotFound, "not_pending")
	case errors.Is(err, ErrPartialFailure):
		writeError(w, http.StatusInternalServerError, "partial_failure")
	case isTransientErr(err):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "db_error")
	}
}
