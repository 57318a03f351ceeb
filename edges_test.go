package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// ============================================================================
// RELATIONSHIP TRANSITION TEST SUITE
// ============================================================================

func TestConnectionTransitionsSuite(t *testing.T) {
	t.Run("RequestAndAccept", func(t *testing.T) {
		testRequestAndAccept(t)
	})
	t.Run("Decline", func(t *testing.T) {
		testDecline(t)
	})
	t.Run("CancelAndDisconnect", func(t *testing.T) {
		testCancelAndDisconnect(t)
	})
	t.Run("DismissRestore", func(t *testing.T) {
		testDismissRestore(t)
	})
	t.Run("ConcurrentAcceptDecline", func(t *testing.T) {
		testConcurrentAcceptDecline(t)
	})
}

func setupPair(t *testing.T, emailA, emailB string) (TestUser, TestUser) {
	t.Helper()
	userA := createTestUser(t, emailA, "passwordA")
	userB := createTestUser(t, emailB, "passwordB")
	createTestProfile(t, userA, getDefaultTestProfile())

	profileB := getDefaultTestProfile()
	profileB.DisplayName = "Peer B"
	createTestProfile(t, userB, profileB)
	return userA, userB
}

func testRequestAndAccept(t *testing.T) {
	userA, userB := setupPair(t, "edge_req_a@example.com", "edge_req_b@example.com")
	defer cleanupTestData(userA.Email, userB.Email)

	ctx := context.Background()

	res, err := requestConnect(ctx, db, userA.ID, userB.ID)
	if err != nil {
		t.Fatalf("requestConnect failed: %v", err)
	}
	if res.State != "pending" {
		t.Fatalf("expected pending, got %s", res.State)
	}

	t.Run("Idempotent Re-request", func(t *testing.T) {
		again, err := requestConnect(ctx, db, userA.ID, userB.ID)
		if err != nil {
			t.Fatalf("re-request failed: %v", err)
		}
		if again.State != "pending" || again.changed {
			t.Errorf("expected unchanged pending, got %+v", again)
		}
	})

	t.Run("Visible In Both Views", func(t *testing.T) {
		setsA, err := loadRelationshipSets(db, userA.ID)
		if err != nil {
			t.Fatal(err)
		}
		setsB, err := loadRelationshipSets(db, userB.ID)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := setsA.Outgoing[userB.ID]; !ok {
			t.Error("request missing from requester's outgoing view")
		}
		if _, ok := setsB.Incoming[userA.ID]; !ok {
			t.Error("request missing from addressee's incoming view")
		}
	})

	t.Run("Requester Cannot Accept Own Request", func(t *testing.T) {
		_, err := acceptConnection(ctx, db, userA.ID, userB.ID)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("expected ErrNotPending, got %v", err)
		}
	})

	t.Run("Accept Connects Both", func(t *testing.T) {
		res, err := acceptConnection(ctx, db, userB.ID, userA.ID)
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		if res.State != "accepted" || !res.changed {
			t.Fatalf("expected changed accepted, got %+v", res)
		}

		setsA, _ := loadRelationshipSets(db, userA.ID)
		setsB, _ := loadRelationshipSets(db, userB.ID)
		if _, ok := setsA.Connections[userB.ID]; !ok {
			t.Error("connection missing from requester's view")
		}
		if _, ok := setsB.Connections[userA.ID]; !ok {
			t.Error("connection missing from addressee's view")
		}
		if len(setsA.Outgoing) != 0 || len(setsB.Incoming) != 0 {
			t.Error("pending views not cleared after accept")
		}
	})

	t.Run("Re-accept Is Idempotent", func(t *testing.T) {
		res, err := acceptConnection(ctx, db, userB.ID, userA.ID)
		if err != nil {
			t.Fatalf("re-accept failed: %v", err)
		}
		if res.State != "accepted" || res.changed {
			t.Errorf("expected unchanged accepted, got %+v", res)
		}
	})

	t.Run("Request While Connected Is Invalid", func(t *testing.T) {
		_, err := requestConnect(ctx, db, userA.ID, userB.ID)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func testDecline(t *testing.T) {
	userA, userB := setupPair(t, "edge_dec_a@example.com", "edge_dec_b@example.com")
	defer cleanupTestData(userA.Email, userB.Email)

	ctx := context.Background()

	if _, err := requestConnect(ctx, db, userA.ID, userB.ID); err != nil {
		t.Fatalf("requestConnect failed: %v", err)
	}
	res, err := declineConnection(ctx, db, userB.ID, userA.ID)
	if err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	if res.State != "dismissed" {
		t.Fatalf("expected dismissed, got %s", res.State)
	}

	t.Run("Suppression Is One-Directional", func(t *testing.T) {
		setsB, _ := loadRelationshipSets(db, userB.ID)
		setsA, _ := loadRelationshipSets(db, userA.ID)
		if _, ok := setsB.Dismissed[userA.ID]; !ok {
			t.Error("decliner should have the requester dismissed")
		}
		if _, ok := setsA.Dismissed[userB.ID]; ok {
			t.Error("requester must not inherit a dismissal")
		}
		if len(setsA.Outgoing)+len(setsB.Incoming) != 0 {
			t.Error("pending state survived the decline")
		}
	})

	t.Run("Decline Without Pending", func(t *testing.T) {
		_, err := declineConnection(ctx, db, userB.ID, userA.ID)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("expected ErrNotPending, got %v", err)
		}
	})

	t.Run("Decliner Can Still Request Later", func(t *testing.T) {
		// The dismissal binds B's view only, B may still initiate.
		res, err := requestConnect(ctx, db, userB.ID, userA.ID)
		if err != nil {
			t.Fatalf("request after declining failed: %v", err)
		}
		if res.State != "pending" {
			t.Errorf("expected pending, got %s", res.State)
		}
	})
}

func testCancelAndDisconnect(t *testing.T) {
	userA, userB := setupPair(t, "edge_can_a@example.com", "edge_can_b@example.com")
	defer cleanupTestData(userA.Email, userB.Email)

	ctx := context.Background()

	t.Run("Cancel Own Request", func(t *testing.T) {
		if _, err := requestConnect(ctx, db, userA.ID, userB.ID); err != nil {
			t.Fatal(err)
		}
		res, err := cancelRequest(ctx, db, userA.ID, userB.ID)
		if err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if res.State != "none" {
			t.Errorf("expected none, got %s", res.State)
		}
		// No dismissal on either side after a cancel.
		setsB, _ := loadRelationshipSets(db, userB.ID)
		if _, ok := setsB.Dismissed[userA.ID]; ok {
			t.Error("cancel must not record a dismissal")
		}
	})

	t.Run("Addressee Cannot Cancel", func(t *testing.T) {
		if _, err := requestConnect(ctx, db, userA.ID, userB.ID); err != nil {
			t.Fatal(err)
		}
		_, err := cancelRequest(ctx, db, userB.ID, userA.ID)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("expected ErrNotPending, got %v", err)
		}
	})

	t.Run("Mutual Request Auto-Accepts", func(t *testing.T) {
		// A's pending from the previous subtest still stands; B requesting
		// back resolves the mutual interest into a connection.
		res, err := requestConnect(ctx, db, userB.ID, userA.ID)
		if err != nil {
			t.Fatalf("mutual request failed: %v", err)
		}
		if res.State != "accepted" || !res.changed {
			t.Errorf("expected changed accepted, got %+v", res)
		}
	})

	t.Run("Disconnect By Either Party", func(t *testing.T) {
		res, err := disconnect(ctx, db, userB.ID, userA.ID)
		if err != nil {
			t.Fatalf("disconnect failed: %v", err)
		}
		if res.State != "none" {
			t.Errorf("expected none, got %s", res.State)
		}
		setsA, _ := loadRelationshipSets(db, userA.ID)
		if len(setsA.Connections) != 0 {
			t.Error("connection survived the disconnect")
		}
	})

	t.Run("Disconnect Without Connection", func(t *testing.T) {
		_, err := disconnect(ctx, db, userA.ID, userB.ID)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("expected ErrNotPending, got %v", err)
		}
	})
}

func testDismissRestore(t *testing.T) {
	userA, userB := setupPair(t, "edge_dis_a@example.com", "edge_dis_b@example.com")
	defer cleanupTestData(userA.Email, userB.Email)

	ctx := context.Background()

	t.Run("Dismiss And Re-dismiss", func(t *testing.T) {
		if err := dismissCandidate(ctx, db, userA.ID, userB.ID); err != nil {
			t.Fatalf("dismiss failed: %v", err)
		}
		if err := dismissCandidate(ctx, db, userA.ID, userB.ID); err != nil {
			t.Fatalf("re-dismiss should be idempotent: %v", err)
		}
		sets, _ := loadRelationshipSets(db, userA.ID)
		if _, ok := sets.Dismissed[userB.ID]; !ok {
			t.Error("dismissal not recorded")
		}
	})

	t.Run("Dismissed Blocks Outgoing Request", func(t *testing.T) {
		_, err := requestConnect(ctx, db, userA.ID, userB.ID)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("Restore", func(t *testing.T) {
		if err := restoreCandidate(ctx, db, userA.ID, userB.ID); err != nil {
			t.Fatalf("restore failed: %v", err)
		}
		sets, _ := loadRelationshipSets(db, userA.ID)
		if len(sets.Dismissed) != 0 {
			t.Error("dismissal survived the restore")
		}
		// Requesting works again after the restore.
		if _, err := requestConnect(ctx, db, userA.ID, userB.ID); err != nil {
			t.Errorf("request after restore failed: %v", err)
		}
	})

	t.Run("Dismiss With Pending Edge Is Invalid", func(t *testing.T) {
		err := dismissCandidate(ctx, db, userA.ID, userB.ID)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

// testConcurrentAcceptDecline races an accept against a decline on the same
// pending request. Exactly one transition may win; the loser must observe
// a named outcome, never a half-applied state.
func testConcurrentAcceptDecline(t *testing.T) {
	userA, userB := setupPair(t, "edge_race_a@example.com", "edge_race_b@example.com")
	defer cleanupTestData(userA.Email, userB.Email)

	ctx := context.Background()

	if _, err := requestConnect(ctx, db, userA.ID, userB.ID); err != nil {
		t.Fatalf("requestConnect failed: %v", err)
	}

	var wg sync.WaitGroup
	var acceptErr, declineErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = acceptConnection(ctx, db, userB.ID, userA.ID)
	}()
	go func() {
		defer wg.Done()
		_, declineErr = declineConnection(ctx, db, userB.ID, userA.ID)
	}()
	wg.Wait()

	if acceptErr == nil && declineErr == nil {
		t.Fatal("both accept and decline reported success on one pending request")
	}
	if acceptErr != nil && declineErr != nil {
		t.Fatalf("both transitions failed: accept=%v decline=%v", acceptErr, declineErr)
	}

	// Whichever lost must observe the request as no longer pending.
	for _, err := range []error{acceptErr, declineErr} {
		if err != nil && !errors.Is(err, ErrNotPending) {
			t.Errorf("loser failed with unexpected error: %v", err)
		}
	}

	// The store holds exactly one of the two terminal states.
	setsA, _ := loadRelationshipSets(db, userA.ID)
	setsB, _ := loadRelationshipSets(db, userB.ID)
	_, connected := setsA.Connections[userB.ID]
	_, dismissed := setsB.Dismissed[userA.ID]
	if connected == dismissed {
		t.Errorf("inconsistent terminal state: connected=%v dismissed=%v", connected, dismissed)
	}
	if len(setsA.Outgoing)+len(setsB.Incoming) != 0 {
		t.Error("pending state survived the race")
	}
}

// ============================================================================
// HTTP SURFACE
// ============================================================================

func TestConnectionEndpoints(t *testing.T) {
	userA, userB := setupPair(t, "edge_http_a@example.com", "edge_http_b@example.com")
	defer cleanupTestData(userA.Email, userB.Email)

	createEdge(t, userA.ID, userB.ID, "accepted")

	t.Run("Connections List", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/connections", nil)
		req.Header.Set("Authorization", "Bearer "+userA.Token)
		w := httptest.NewRecorder()

		connectionsHandler(db).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var resp struct {
			Connections []int `json:"connections"`
		}
		json.NewDecoder(w.Body).Decode(&resp)
		if len(resp.Connections) != 1 || resp.Connections[0] != userB.ID {
			t.Errorf("expected [%d], got %v", userB.ID, resp.Connections)
		}
	})

	t.Run("Accept On Existing Connection Is Idempotent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/connections/"+strconv.Itoa(userA.ID)+"/accept", nil)
		req.Header.Set("Authorization", "Bearer "+userB.Token)
		w := httptest.NewRecorder()

		acceptConnectionHandler(db).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200 for idempotent accept, got %d", w.Code)
		}
	})

	t.Run("Disconnect Returns 204", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/connections/"+strconv.Itoa(userB.ID), nil)
		req.Header.Set("Authorization", "Bearer "+userA.Token)
		w := httptest.NewRecorder()

		disconnectHandler(db).ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", w.Code)
		}
	})

	t.Run("Decline Without Pending Maps To not_pending", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/connections/"+strconv.Itoa(userA.ID)+"/decline", nil)
		req.Header.Set("Authorization", "Bearer "+userB.Token)
		w := httptest.NewRecorder()

		declineConnectionHandler(db).ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
		var errResp map[string]string
		json.NewDecoder(w.Body).Decode(&errResp)
		if errResp["error"] != "not_pending" {
			t.Errorf("expected error not_pending, got %v", errResp)
		}
	})
}
