package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// parseFilters reads the candidate filters off the query string.
// Missing parameters leave the filter wide open.
func parseFilters(r *http.Request) Filters {
	f := Filters{AgeMin: 0, AgeMax: math.MaxInt32, Gender: GenderAny}
	if v := r.URL.Query().Get("age_min"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.AgeMin = n
		}
	}
	if v := r.URL.Query().Get("age_max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.AgeMax = n
		}
	}
	if v := r.URL.Query().Get("gender"); v != "" {
		f.Gender = v
	}
	return f
}

func loadBioProfile(db *sql.DB, userID int) (BioProfile, error) {
	var bio BioProfile
	var languages, hobbies []byte
	err := db.QueryRow(`
		SELECT user_id, city, age, gender, languages, hobbies
		FROM profiles WHERE user_id = $1
	`, userID).Scan(&bio.UserID, &bio.City, &bio.Age, &bio.Gender, &languages, &hobbies)
	if err != nil {
		return bio, err
	}
	_ = json.Unmarshal(languages, &bio.Languages)
	_ = json.Unmarshal(hobbies, &bio.Hobbies)
	return bio, nil
}

// loadCandidatePool fetches every complete profile that has no edge with the
// user and is not dismissed by the user. The engine re-applies the same
// exclusions over the derived sets; the SQL just keeps the pool small.
func loadCandidatePool(db *sql.DB, userID int) ([]PoolCandidate, error) {
	rows, err := db.Query(`
		SELECT p.user_id, p.city, p.age, p.gender, p.languages, p.hobbies
		FROM profiles p
		WHERE p.is_complete = TRUE
		  AND p.user_id <> $1
		  AND NOT EXISTS (
			  SELECT 1 FROM edges e
			  WHERE (e.requester_id = $1 AND e.addressee_id = p.user_id)
			     OR (e.requester_id = p.user_id AND e.addressee_id = $1)
		  )
		  AND NOT EXISTS (
			  SELECT 1 FROM dismissals d
			  WHERE d.user_id = $1 AND d.dismissed_user_id = p.user_id
		  )
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pool []PoolCandidate
	for rows.Next() {
		var c PoolCandidate
		var languages, hobbies []byte
		if err := rows.Scan(&c.UserID, &c.City, &c.Age, &c.Gender, &languages, &hobbies); err != nil {
			continue
		}
		_ = json.Unmarshal(languages, &c.Languages)
		_ = json.Unmarshal(hobbies, &c.Hobbies)
		c.Connections = make(map[int]struct{})
		pool = append(pool, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach each candidate's accepted connections for the mutual-connection
	// bonus in one pass over the edge table.
	byID := make(map[int]*PoolCandidate, len(pool))
	for i := range pool {
		byID[pool[i].UserID] = &pool[i]
	}
	erows, err := db.Query(`SELECT requester_id, addressee_id FROM edges WHERE status = 'accepted'`)
	if err != nil {
		return nil, err
	}
	defer erows.Close()
	for erows.Next() {
		var a, b int
		if err := erows.Scan(&a, &b); err != nil {
			continue
		}
		if c, ok := byID[a]; ok {
			c.Connections[b] = struct{}{}
		}
		if c, ok := byID[b]; ok {
			c.Connections[a] = struct{}{}
		}
	}
	return pool, erows.Err()
}

// getRecommendations composes the store reads with the pure engine.
func getRecommendations(db *sql.DB, userID int, f Filters) ([]Recommendation, error) {
	bio, err := loadBioProfile(db, userID)
	if err != nil {
		return nil, err
	}
	sets, err := loadRelationshipSets(db, userID)
	if err != nil {
		return nil, err
	}
	pool, err := loadCandidatePool(db, userID)
	if err != nil {
		return nil, err
	}
	return computeRecommendations(bio, sets, pool, f), nil
}

func getRecommendedUserIDs(db *sql.DB, userID int) ([]int, error) {
	results, err := getRecommendations(db, userID, Filters{AgeMax: math.MaxInt32, Gender: GenderAny})
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.UserID)
	}
	return ids, nil
}

// isCurrentlyRecommendable reports whether targetID is in the *current*
// recommendations for `me`. Mirrors /recommendations so the policy stays
// consistent across the request path.
func isCurrentlyRecommendable(db *sql.DB, me, targetID int) (bool, error) {
	recs, err := getRecommendedUserIDs(db, me)
	if err != nil {
		return false, err
	}
	for _, id := range recs {
		if id == targetID {
			return true, nil
		}
	}
	return false, nil
}

// requireCompleteProfile gates the recommendation surface on a finished
// profile. Returns false after writing the response.
func requireCompleteProfile(db *sql.DB, w http.ResponseWriter, userID int) bool {
	var isComplete bool
	err := db.QueryRow("SELECT COALESCE(is_complete, FALSE) FROM profiles WHERE user_id = $1", userID).Scan(&isComplete)
	if err == sql.ErrNoRows || (err == nil && !isComplete) {
		writeError(w, http.StatusForbidden, "incomplete_profile")
		return false
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return false
	}
	return true
}

// GET /recommendations - ranked candidate ids
func recommendationsHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(int)
		if !requireCompleteProfile(db, w, userID) {
			return
		}
		results, err := getRecommendations(db, userID, parseFilters(r))
		if err != nil {
			// A store read failure means no candidates, reported as a named
			// condition rather than a crash or a silent empty list.
			writeError(w, http.StatusInternalServerError, "recommendation_error")
			log.Println("getRecommendations error:", err)
			return
		}
		ids := make([]int, 0, len(results))
		for _, res := range results {
			ids = append(ids, res.UserID)
		}
		writeJSON(w, http.StatusOK, map[string][]int{"recommendations": ids})
	})
}

// GET /recommendations/detailed - recommendations with scores and matched attributes
func recommendationsDetailedHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(int)
		if !requireCompleteProfile(db, w, userID) {
			return
		}
		results, err := getRecommendations(db, userID, parseFilters(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "recommendation_error")
			log.Println("getRecommendations error:", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]Recommendation{"recommendations": results})
	})
}

// GET /recommendations/dismissed - candidates the caller has suppressed
func dismissedRecommendationsHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(int)
		rows, err := db.Query(`
			SELECT dismissed_user_id FROM dismissals
			WHERE user_id = $1 ORDER BY created_at DESC
		`, userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()
		ids := make([]int, 0, 16)
		for rows.Next() {
			var d int
			if rows.Scan(&d) == nil {
				ids = append(ids, d)
			}
		}
		writeJSON(w, http.StatusOK, map[string][]int{"dismissed": ids})
	})
}

// Dispatcher for /recommendations/{id}/(dismiss|restore) and /recommendations/(detailed|dismissed)
func recommendationsActionsRouter(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) == 2 && parts[0] == "recommendations" {
			switch parts[1] {
			case "detailed":
				recommendationsDetailedHandler(db).ServeHTTP(w, r)
			case "dismissed":
				dismissedRecommendationsHandler(db).ServeHTTP(w, r)
			default:
				http.NotFound(w, r)
			}
			return
		}
		if len(parts) == 3 && parts[0] == "recommendations" && r.Method == http.MethodPost {
			switch parts[2] {
			case "dismiss":
				dismissRecommendationHandler(db).ServeHTTP(w, r)
			case "restore":
				restoreRecommendationHandler(db).ServeHTTP(w, r)
			default:
				http.NotFound(w, r)
			}
			return
		}
		http.NotFound(w, r)
	}
}

// POST /recommendations/{id}/dismiss
func dismissRecommendationHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "recommendations" || parts[2] != "dismiss" {
			http.NotFound(w, r)
			return
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		userID := r.Context().Value(userIDKey).(int)

		var exists bool
		err = db.QueryRow("SELECT EXISTS (SELECT 1 FROM users JOIN profiles ON users.id = profiles.user_id WHERE users.id = $1 AND profiles.is_complete = TRUE)", id).Scan(&exists)
		if err != nil || !exists || id == userID {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		if err := dismissCandidate(r.Context(), db, userID, id); err != nil {
			if isUnexpectedTransitionErr(err) {
				log.Println("dismissCandidate error:", err)
			}
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"dismissed": true})
	})
}

// POST /recommendations/{id}/restore
// Removes a dismissal so the candidate can surface again.
func restoreRecommendationHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "recommendations" || parts[2] != "restore" {
			http.NotFound(w, r)
			return
		}
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		userID := r.Context().Value(userIDKey).(int)

		if err := restoreCandidate(r.Context(), db, userID, id); err != nil {
			log.Println("restoreCandidate error:", err)
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
	})
}
