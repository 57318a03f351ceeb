package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// Initialize JWT secret for helper tests
func init() {
	jwtSecret = []byte("test-secret-key-for-testing")
}

// createTestUser creates a user with the given email and password, returns TestUser with ID and Token
func createTestUser(t *testing.T, email, password string) TestUser {
	t.Helper()

	// Clean up existing user
	cleanupTestData(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}

	var userID int
	err = db.QueryRow("INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id",
		email, string(hash)).Scan(&userID)
	if err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}

	token := loginUser(t, email, password)

	return TestUser{
		ID:       userID,
		Email:    email,
		Password: password,
		Token:    token,
	}
}

// loginUser logs in a user and returns the JWT token
func loginUser(t *testing.T, email, password string) string {
	t.Helper()

	reqBody := []byte(fmt.Sprintf(`{"email":"%s","password":"%s"}`, email, password))
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBuffer(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	loginHandler(db).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("login failed for %s: status %d", email, w.Code)
	}

	var respBody map[string]interface{}
	json.NewDecoder(w.Body).Decode(&respBody)
	token, ok := respBody["token"].(string)
	if !ok {
		t.Fatalf("expected token in login response, got %v", respBody)
	}

	return token
}

// createTestProfile creates a complete profile for a user
func createTestProfile(t *testing.T, user TestUser, profile TestProfile) {
	t.Helper()

	db.Exec("DELETE FROM profiles WHERE user_id = $1", user.ID)

	profileJSON, err := json.Marshal(profile)
	if err != nil {
		t.Fatalf("failed to marshal profile: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/me/profile", bytes.NewBuffer(profileJSON))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+user.Token)
	w := httptest.NewRecorder()

	completeProfileHandler(db).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("failed to create profile for user %d: status %d", user.ID, w.Code)
	}
}

// createEdge inserts an edge row directly, bypassing the transition functions
func createEdge(t *testing.T, requesterID, addresseeID int, status string) {
	t.Helper()

	_, err := db.Exec("INSERT INTO edges (requester_id, addressee_id, status) VALUES ($1, $2, $3)",
		requesterID, addresseeID, status)
	if err != nil {
		t.Fatalf("failed to create edge: %v", err)
	}
}

// getDefaultTestProfile returns a default profile for testing
func getDefaultTestProfile() TestProfile {
	return TestProfile{
		DisplayName: "Test User",
		AboutMe:     "I love testing!",
		LookingFor:  "New friends to hike with",
		City:        "Tallinn",
		Age:         30,
		Gender:      "female",
		Languages:   []string{"estonian", "english"},
		Hobbies:     []string{"hiking", "chess"},
	}
}

// cleanupTestData removes test data for given emails
func cleanupTestData(emails ...string) {
	for _, email := range emails {
		db.Exec(`DELETE FROM messages WHERE chat_id IN (
			SELECT c.id FROM chats c JOIN users u ON u.id IN (c.user1_id, c.user2_id) WHERE u.email = $1)`, email)
		db.Exec(`DELETE FROM chats WHERE user1_id IN (SELECT id FROM users WHERE email = $1)
			OR user2_id IN (SELECT id FROM users WHERE email = $1)`, email)
		db.Exec(`DELETE FROM dismissals WHERE user_id IN (SELECT id FROM users WHERE email = $1)
			OR dismissed_user_id IN (SELECT id FROM users WHERE email = $1)`, email)
		db.Exec(`DELETE FROM edges WHERE requester_id IN (SELECT id FROM users WHERE email = $1)
			OR addressee_id IN (SELECT id FROM users WHERE email = $1)`, email)
		db.Exec("DELETE FROM profiles WHERE user_id IN (SELECT id FROM users WHERE email = $1)", email)
		db.Exec("DELETE FROM users WHERE email = $1", email)
	}
}
