package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
)

// Relationship state machine.
//
// TERMINOLOGY (per unordered user pair, one authoritative edge row):
// request: create pending (or auto-accept if opposite pending exists).
// accept: pending -> accepted.
// decline (by addressee): pending edge removed + decliner dismisses requester.
// cancel (by requester): pending edge removed.
// disconnect (either party): accepted edge removed.
// dismiss/restore: one-directional candidate suppression, only valid when no
// edge exists between the pair.
//
// Every transition runs inside a transaction holding the pair's advisory
// lock, so concurrent transitions on one pair are serialized while different
// pairs proceed independently. Symmetry of the per-user views is a
// consequence of the single edge row, never of paired writes.

type transitionResult struct {
	State   string `json:"state"`
	EdgeID  *int   `json:"edge_id,omitempty"`
	Version int    `json:"version,omitempty"`
	changed bool
}

// requestConnect creates a pending request from requester to target.
// Idempotent while the same-direction pending exists; a pending in the
// opposite direction auto-accepts. Invalid when already connected or when
// the requester has dismissed the target.
func requestConnect(ctx context.Context, db *sql.DB, requester, target int) (transitionResult, error) {
	var res transitionResult
	err := withRetry(ctx, db, func(tx *sql.Tx) error {
		res = transitionResult{}
		if err := lockPair(tx, requester, target); err != nil {
			return err
		}
		row, err := loadPairForUpdate(tx, requester, target)
		if err != nil {
			return err
		}

		if row == nil {
			var dismissed bool
			if err := tx.QueryRow(`
				SELECT EXISTS (SELECT 1 FROM dismissals WHERE user_id = $1 AND dismissed_user_id = $2)
			`, requester, target).Scan(&dismissed); err != nil {
				return err
			}
			if dismissed {
				return ErrInvalidTransition
			}
			var id, version int
			if err := tx.QueryRow(`
				INSERT INTO edges (requester_id, addressee_id, status)
				VALUES ($1, $2, 'pending')
				RETURNING id, version
			`, requester, target).Scan(&id, &version); err != nil {
				return err
			}
			res = transitionResult{State: "pending", EdgeID: &id, Version: version, changed: true}
			return nil
		}

		switch row.Status {
		case "pending":
			if row.RequesterID == requester {
				// Re-invoking an existing request is a no-op.
				res = transitionResult{State: "pending", EdgeID: &row.ID, Version: row.Version}
				return nil
			}
			// They already requested us: mutual interest, auto-accept.
			version, err := bumpEdgeStatus(tx, row.ID, "accepted")
			if err != nil {
				return err
			}
			res = transitionResult{State: "accepted", EdgeID: &row.ID, Version: version, changed: true}
			return nil
		case "accepted":
			return ErrInvalidTransition
		default:
			return ErrInvalidTransition
		}
	})
	return res, err
}

// acceptConnection flips a pending request from requester -> recipient into
// an accepted connection. Only the addressee of the pending edge may accept.
func acceptConnection(ctx context.Context, db *sql.DB, recipient, requester int) (transitionResult, error) {
	var res transitionResult
	err := withRetry(ctx, db, func(tx *sql.Tx) error {
		res = transitionResult{}
		if err := lockPair(tx, recipient, requester); err != nil {
			return err
		}
		row, err := loadPairForUpdate(tx, recipient, requester)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotPending
		}

		switch row.Status {
		case "pending":
			if row.RequesterID != requester || row.AddresseeID != recipient {
				// The pending is the recipient's own outgoing request.
				return ErrNotPending
			}
			version, err := bumpEdgeStatus(tx, row.ID, "accepted")
			if err != nil {
				return err
			}
			res = transitionResult{State: "accepted", EdgeID: &row.ID, Version: version, changed: true}
			return nil
		case "accepted":
			// Already connected: idempotent OK.
			res = transitionResult{State: "accepted", EdgeID: &row.ID, Version: row.Version}
			return nil
		default:
			return ErrInvalidTransition
		}
	})
	return res, err
}

// declineConnection removes a pending request from requester -> recipient and
// suppresses the requester from the recipient's future recommendations. The
// suppression is one-directional: the requester may still see the recipient.
func declineConnection(ctx context.Context, db *sql.DB, recipient, requester int) (transitionResult, error) {
	var res transitionResult
	err := withRetry(ctx, db, func(tx *sql.Tx) error {
		res = transitionResult{}
		if err := lockPair(tx, recipient, requester); err != nil {
			return err
		}
		row, err := loadPairForUpdate(tx, recipient, requester)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotPending
		}

		switch row.Status {
		case "pending":
			if row.RequesterID != requester || row.AddresseeID != recipient {
				return ErrNotPending
			}
			if _, err := tx.Exec(`DELETE FROM edges WHERE id = $1`, row.ID); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO dismissals (user_id, dismissed_user_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, recipient, requester); err != nil {
				return err
			}
			res = transitionResult{State: "dismissed", changed: true}
			return nil
		case "accepted":
			// The pending request is gone (e.g. a concurrent accept won).
			return ErrNotPending
		default:
			return ErrInvalidTransition
		}
	})
	return res, err
}

// cancelRequest withdraws the caller's own pending request, returning the
// pair to no relationship. No dismissal is recorded on either side.
func cancelRequest(ctx context.Context, db *sql.DB, requester, target int) (transitionResult, error) {
	var res transitionResult
	err := withRetry(ctx, db, func(tx *sql.Tx) error {
		res = transitionResult{}
		if err := lockPair(tx, requester, target); err != nil {
			return err
		}
		row, err := loadPairForUpdate(tx, requester, target)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotPending
		}

		switch row.Status {
		case "pending":
			if row.RequesterID != requester {
				// Their pending, not ours: decline is the right verb.
				return ErrNotPending
			}
			if _, err := tx.Exec(`DELETE FROM edges WHERE id = $1`, row.ID); err != nil {
				return err
			}
			res = transitionResult{State: "none", changed: true}
			return nil
		case "accepted":
			// Nothing pending left to withdraw.
			return ErrNotPending
		default:
			return ErrInvalidTransition
		}
	})
	return res, err
}

// disconnect removes an accepted connection. Either party can call it.
func disconnect(ctx context.Context, db *sql.DB, userID, peerID int) (transitionResult, error) {
	var res transitionResult
	err := withRetry(ctx, db, func(tx *sql.Tx) error {
		res = transitionResult{}
		if err := lockPair(tx, userID, peerID); err != nil {
			return err
		}
		row, err := loadPairForUpdate(tx, userID, peerID)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotPending
		}

		switch row.Status {
		case "accepted":
			if _, err := tx.Exec(`DELETE FROM edges WHERE id = $1`, row.ID); err != nil {
				return err
			}
			res = transitionResult{State: "none", changed: true}
			return nil
		default:
			return ErrInvalidTransition
		}
	})
	return res, err
}

// dismissCandidate suppresses a candidate the user never had an edge with.
// Reversible with restoreCandidate; idempotent.
func dismissCandidate(ctx context.Context, db *sql.DB, userID, candidateID int) error {
	return withRetry(ctx, db, func(tx *sql.Tx) error {
		if err := lockPair(tx, userID, candidateID); err != nil {
			return err
		}
		row, err := loadPairForUpdate(tx, userID, candidateID)
		if err != nil {
			return err
		}
		if row != nil {
			// Pending or accepted: dismissing is not a legal move.
			return ErrInvalidTransition
		}
		_, err = tx.Exec(`
			INSERT INTO dismissals (user_id, dismissed_user_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, userID, candidateID)
		return err
	})
}

// restoreCandidate re-surfaces a previously dismissed profile. Idempotent.
func restoreCandidate(ctx context.Context, db *sql.DB, userID, candidateID int) error {
	return withRetry(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM dismissals WHERE user_id = $1 AND dismissed_user_id = $2
		`, userID, candidateID)
		return err
	})
}

func bumpEdgeStatus(tx *sql.Tx, edgeID int, status string) (int, error) {
	var version int
	err := tx.QueryRow(`
		UPDATE edges
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING version
	`, edgeID, status).Scan(&version)
	return version, err
}

// loadRelationshipSets builds a user's four derived views over the edge and
// dismissal records.
func loadRelationshipSets(db *sql.DB, userID int) (RelationshipSets, error) {
	sets := RelationshipSets{
		Connections: make(map[int]struct{}),
		Outgoing:    make(map[int]struct{}),
		Incoming:    make(map[int]struct{}),
		Dismissed:   make(map[int]struct{}),
	}

	rows, err := db.Query(`
		SELECT requester_id, addressee_id, status
		FROM edges
		WHERE requester_id = $1 OR addressee_id = $1
	`, userID)
	if err != nil {
		return sets, err
	}
	defer rows.Close()
	for rows.Next() {
		var req, addr int
		var status string
		if err := rows.Scan(&req, &addr, &status); err != nil {
			return sets, err
		}
		peer := req
		if req == userID {
			peer = addr
		}
		switch {
		case status == "accepted":
			sets.Connections[peer] = struct{}{}
		case status == "pending" && req == userID:
			sets.Outgoing[peer] = struct{}{}
		case status == "pending":
			sets.Incoming[peer] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return sets, err
	}

	drows, err := db.Query(`SELECT dismissed_user_id FROM dismissals WHERE user_id = $1`, userID)
	if err != nil {
		return sets, err
	}
	defer drows.Close()
	for drows.Next() {
		var d int
		if err := drows.Scan(&d); err != nil {
			return sets, err
		}
		sets.Dismissed[d] = struct{}{}
	}
	return sets, drows.Err()
}

// ---------------------------------------------------------------------------
// HTTP surface
// ---------------------------------------------------------------------------

func connectionsHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(int)

		rows, err := db.Query(`
			SELECT
				CASE WHEN requester_id = $1 THEN addressee_id ELSE requester_id END AS peer_id
			FROM edges
			WHERE (requester_id = $1 OR addressee_id = $1) AND status = 'accepted'
			ORDER BY peer_id
		`, userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		connections := make([]int, 0, 16)
		for rows.Next() {
			var peerID int
			if err := rows.Scan(&peerID); err == nil {
				connections = append(connections, peerID)
			}
		}
		writeJSON(w, http.StatusOK, map[string][]int{"connections": connections})
	})
}

// GET /connections/requests - incoming pending requests (users awaiting my decision)
func requestsHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		userID := r.Context().Value(userIDKey).(int)

		rows, err := db.Query(`
			SELECT requester_id
			FROM edges
			WHERE addressee_id = $1 AND status = 'pending'
			ORDER BY created_at DESC, id DESC
		`, userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		requests := make([]int, 0, 16)
		for rows.Next() {
			var peerID int
			if err := rows.Scan(&peerID); err == nil {
				requests = append(requests, peerID)
			}
		}
		writeJSON(w, http.StatusOK, map[string][]int{"requests": requests})
	})
}

// GET /connections/outgoing - my own pending requests
func outgoingRequestsHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		userID := r.Context().Value(userIDKey).(int)

		rows, err := db.Query(`
			SELECT addressee_id
			FROM edges
			WHERE requester_id = $1 AND status = 'pending'
			ORDER BY created_at DESC, id DESC
		`, userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		requests := make([]int, 0, 16)
		for rows.Next() {
			var peerID int
			if err := rows.Scan(&peerID); err == nil {
				requests = append(requests, peerID)
			}
		}
		writeJSON(w, http.StatusOK, map[string][]int{"outgoing": requests})
	})
}

// A dispatcher router function for all /connections/{id}/... requests
func connectionsActionsRouter(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(r.URL.Path, "/")
		parts := strings.Split(path, "/")
		if len(parts) < 2 || parts[0] != "connections" {
			http.NotFound(w, r)
			return
		}

		if parts[1] == "requests" && len(parts) == 2 {
			requestsHandler(db).ServeHTTP(w, r)
			return
		}
		if parts[1] == "outgoing" && len(parts) == 2 {
			outgoingRequestsHandler(db).ServeHTTP(w, r)
			return
		}

		// DELETE /connections/{id} -> disconnect
		if r.Method == http.MethodDelete && len(parts) == 2 {
			disconnectHandler(db).ServeHTTP(w, r)
			return
		}

		// POST /connections/{id}/(request|accept|decline|cancel)
		if r.Method == http.MethodPost && len(parts) == 3 {
			switch parts[2] {
			case "request":
				requestConnectionHandler(db).ServeHTTP(w, r)
			case "accept":
				acceptConnectionHandler(db).ServeHTTP(w, r)
			case "decline":
				declineConnectionHandler(db).ServeHTTP(w, r)
			case "cancel":
				cancelConnectionRequestHandler(db).ServeHTTP(w, r)
			default:
				http.NotFound(w, r)
			}
			return
		}

		http.NotFound(w, r)
	}
}

// parseConnectionTarget validates method/path shape for the action handlers
// and resolves the target user. Writes the error response itself on failure.
func parseConnectionTarget(db *sql.DB, w http.ResponseWriter, r *http.Request, action string) (me, target int, ok bool) {
	wantLen := 3
	if action == "" {
		wantLen = 2
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != wantLen || parts[0] != "connections" || (action != "" && parts[2] != action) {
		http.NotFound(w, r)
		return 0, 0, false
	}
	target, err := strconv.Atoi(parts[1])
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return 0, 0, false
	}

	me = r.Context().Value(userIDKey).(int)
	if target == me {
		writeError(w, http.StatusBadRequest, "invalid_target")
		return 0, 0, false
	}

	// Ensure target exists & profile complete.
	var exists bool
	if err := db.QueryRow(`
		SELECT EXISTS (
			SELECT 1
			FROM users u
			JOIN profiles p ON p.user_id = u.id
			WHERE u.id = $1 AND COALESCE(p.is_complete, FALSE) = TRUE
		)
	`, target).Scan(&exists); err != nil || !exists {
		writeError(w, http.StatusNotFound, "not_found")
		return 0, 0, false
	}
	return me, target, true
}

// POST /connections/{id}/request
func requestConnectionHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		me, target, ok := parseConnectionTarget(db, w, r, "request")
		if !ok {
			return
		}

		// New requests are only allowed toward currently recommendable users;
		// an existing edge (idempotent re-request, mutual auto-accept) wins
		// over the policy, which requestConnect decides under the pair lock.
		isRec, err := isCurrentlyRecommendable(db, me, target)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			log.Println("isCurrentlyRecommendable error:", err)
			return
		}
		var hasEdge bool
		if err := db.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM edges
				WHERE (requester_id = $1 AND addressee_id = $2)
				   OR (requester_id = $2 AND addressee_id = $1)
			)
		`, me, target).Scan(&hasEdge); err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if !hasEdge && !isRec {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		res, err := requestConnect(r.Context(), db, me, target)
		if err != nil {
			if isUnexpectedTransitionErr(err) {
				log.Println("requestConnectionHandler tx error:", err)
			}
			writeTransitionError(w, err)
			return
		}

		if res.changed {
			switch res.State {
			case "pending":
				presenceHub.sendToUser(target, newEvent(EventRequestReceived, me))
			case "accepted":
				presenceHub.broadcast(newEvent(EventConnectionAccepted, me))
			}
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// POST /connections/{id}/accept
func acceptConnectionHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		me, target, ok := parseConnectionTarget(db, w, r, "accept")
		if !ok {
			return
		}

		res, err := acceptConnection(r.Context(), db, me, target)
		if err != nil {
			if isUnexpectedTransitionErr(err) {
				log.Println("acceptConnectionHandler tx error:", err)
			}
			writeTransitionError(w, err)
			return
		}

		if res.changed {
			// Coarse refresh hint for everyone's recommendation view.
			presenceHub.broadcast(newEvent(EventConnectionAccepted, me))
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// POST /connections/{id}/decline
func declineConnectionHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		me, target, ok := parseConnectionTarget(db, w, r, "decline")
		if !ok {
			return
		}

		res, err := declineConnection(r.Context(), db, me, target)
		if err != nil {
			if isUnexpectedTransitionErr(err) {
				log.Println("declineConnectionHandler tx error:", err)
			}
			writeTransitionError(w, err)
			return
		}

		if res.changed {
			presenceHub.sendToUser(target, newEvent(EventRequestDeclined, me))
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// POST /connections/{id}/cancel
func cancelConnectionRequestHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		me, target, ok := parseConnectionTarget(db, w, r, "cancel")
		if !ok {
			return
		}

		res, err := cancelRequest(r.Context(), db, me, target)
		if err != nil {
			if isUnexpectedTransitionErr(err) {
				log.Println("cancelConnectionRequestHandler tx error:", err)
			}
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// DELETE /connections/{id}
func disconnectHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		me, target, ok := parseConnectionTarget(db, w, r, "")
		if !ok {
			return
		}

		_, err := disconnect(r.Context(), db, me, target)
		if err != nil {
			if isUnexpectedTransitionErr(err) {
				log.Println("disconnectHandler tx error:", err)
			}
			writeTransitionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// isUnexpectedTransitionErr filters the named state-machine outcomes out of
// the server log; those are normal responses, not faults.
func isUnexpectedTransitionErr(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotPending)
}
