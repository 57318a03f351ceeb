package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
)

// Dispatcher for /users/* to route summary/profile/bio
func usersDispatcher(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(r.URL.Path, "/")
		parts := strings.Split(path, "/")
		if len(parts) < 2 || parts[0] != "users" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 2 {
			userHandler(db).ServeHTTP(w, r)
			return
		}
		if len(parts) == 3 {
			switch parts[2] {
			case "profile":
				userProfileHandler(db).ServeHTTP(w, r)
			case "bio":
				userBioHandler(db).ServeHTTP(w, r)
			default:
				http.NotFound(w, r)
			}
			return
		}
		http.NotFound(w, r)
	}
}

func fetchBasicUserInfo(db *sql.DB, userID int) (displayName, imageFile string, err error) {
	var imageSQL sql.NullString
	err = db.QueryRow(`
        SELECT
            COALESCE(p.display_name, 'User ' || u.id::text) AS display_name,
            p.image_file
        FROM users u
        LEFT JOIN profiles p ON p.user_id = u.id
        WHERE u.id = $1
    `, userID).Scan(&displayName, &imageSQL)
	if imageSQL.Valid {
		imageFile = imageSQL.String
	}
	return
}

// canViewUser: a user's details are visible to peers with an edge (pending or
// accepted) and to users currently recommended this profile.
func canViewUser(db *sql.DB, requesterID, targetID int) bool {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM edges
		WHERE (requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1)
	`, requesterID, targetID).Scan(&count)
	if err == nil && count > 0 {
		return true
	}
	recs, err := getRecommendedUserIDs(db, requesterID)
	if err != nil {
		return false
	}
	for _, id := range recs {
		if id == targetID {
			return true
		}
	}
	return false
}

// GET /users/{id} - name, image and online status
func userHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 2 || parts[0] != "users" {
			http.NotFound(w, r)
			return
		}
		userID, err := strconv.Atoi(parts[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}

		displayName, imageFile, err := fetchBasicUserInfo(db, userID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		online, err := isOnlineNow(db, userID)
		if err != nil {
			// Not critical. If the check fails, assume offline.
			online = false
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":           userID,
			"display_name": displayName,
			"image":        imageFile,
			"is_online":    online,
		})
	})
}

// GET /users/{id}/profile
func userProfileHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "users" || parts[2] != "profile" {
			http.NotFound(w, r)
			return
		}
		targetID, err := strconv.Atoi(parts[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		requesterID := r.Context().Value(userIDKey).(int)

		if !canViewUser(db, requesterID, targetID) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var displayName, aboutMe, lookingFor, city string
		var imageFile sql.NullString
		err = db.QueryRow(`
			SELECT display_name, about_me, looking_for, city, image_file
			FROM profiles WHERE user_id = $1
		`, targetID).Scan(&displayName, &aboutMe, &lookingFor, &city, &imageFile)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		online, err := isOnlineNow(db, targetID)
		if err != nil {
			online = false
		}

		resp := map[string]interface{}{
			"id":           targetID,
			"display_name": displayName,
			"about_me":     aboutMe,
			"looking_for":  lookingFor,
			"city":         city,
			"is_online":    online,
		}
		if imageFile.Valid {
			resp["image"] = imageFile.String
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// GET /users/{id}/bio - the matching-relevant attributes
func userBioHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "users" || parts[2] != "bio" {
			http.NotFound(w, r)
			return
		}
		targetID, err := strconv.Atoi(parts[1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		requesterID := r.Context().Value(userIDKey).(int)

		if !canViewUser(db, requesterID, targetID) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var city, gender string
		var age int
		var languages, hobbies json.RawMessage
		err = db.QueryRow(`
			SELECT city, age, gender, languages, hobbies
			FROM profiles WHERE user_id = $1
		`, targetID).Scan(&city, &age, &gender, &languages, &hobbies)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":        targetID,
			"city":      city,
			"age":       age,
			"gender":    gender,
			"languages": jsonRawOrArray(languages),
			"hobbies":   jsonRawOrArray(hobbies),
		})
	})
}

// POST|PATCH /me/profile - create or update the caller's profile
func completeProfileHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPatch {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		type ProfileRequest struct {
			DisplayName string          `json:"display_name"`
			AboutMe     string          `json:"about_me"`
			LookingFor  string          `json:"looking_for"`
			City        string          `json:"city"`
			Age         int             `json:"age"`
			Gender      string          `json:"gender"`
			Languages   json.RawMessage `json:"languages"`
			Hobbies     json.RawMessage `json:"hobbies"`
			ImageFile   string          `json:"image"`
		}
		var req ProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Age < 0 {
			writeError(w, http.StatusBadRequest, "invalid_age")
			return
		}
		if len(req.Languages) == 0 {
			req.Languages = json.RawMessage("[]")
		}
		if len(req.Hobbies) == 0 {
			req.Hobbies = json.RawMessage("[]")
		}
		userID := r.Context().Value(userIDKey).(int)

		_, err := db.Exec(`
            INSERT INTO profiles (
                user_id, display_name, about_me, looking_for, city, age, gender,
                languages, hobbies, image_file, is_complete
            ) VALUES (
                $1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), TRUE
            )
            ON CONFLICT (user_id) DO UPDATE SET
                display_name = EXCLUDED.display_name,
                about_me = EXCLUDED.about_me,
                looking_for = EXCLUDED.looking_for,
                city = EXCLUDED.city,
                age = EXCLUDED.age,
                gender = EXCLUDED.gender,
                languages = EXCLUDED.languages,
                hobbies = EXCLUDED.hobbies,
                image_file = EXCLUDED.image_file,
                is_complete = TRUE
        `,
			userID, req.DisplayName, req.AboutMe, req.LookingFor, req.City, req.Age, req.Gender,
			[]byte(req.Languages), []byte(req.Hobbies), req.ImageFile,
		)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "profile_save_error")
			log.Println("Error saving profile:", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func meHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(int)
		displayName, imageFile, err := fetchBasicUserInfo(db, userID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":           userID,
			"display_name": displayName,
			"image":        imageFile,
		})
	})
}

// GET /me/profile - full profile details for the caller
func meProfileHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "invalid_method")
			return
		}
		userID := r.Context().Value(userIDKey).(int)

		var displayName, aboutMe, lookingFor, city, gender string
		var age int
		var imageFile sql.NullString
		var languages, hobbies json.RawMessage
		var isComplete sql.NullBool

		err := db.QueryRow(`
			SELECT display_name, about_me, looking_for, city, age, gender,
			       languages, hobbies, image_file, is_complete
			FROM profiles WHERE user_id = $1
		`, userID).Scan(
			&displayName, &aboutMe, &lookingFor, &city, &age, &gender,
			&languages, &hobbies, &imageFile, &isComplete,
		)
		if err != nil {
			if err == sql.ErrNoRows {
				writeError(w, http.StatusNotFound, "profile_not_found")
			} else {
				writeError(w, http.StatusInternalServerError, "database_error")
			}
			return
		}

		response := map[string]interface{}{
			"id":           userID,
			"display_name": displayName,
			"about_me":     aboutMe,
			"looking_for":  lookingFor,
			"city":         city,
			"age":          age,
			"gender":       gender,
			"languages":    jsonRawOrArray(languages),
			"hobbies":      jsonRawOrArray(hobbies),
			"is_complete":  isComplete.Bool,
		}
		if imageFile.Valid {
			response["image"] = imageFile.String
		}
		writeJSON(w, http.StatusOK, response)
	})
}

// GET /me/bio
func meBioHandler(db *sql.DB) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(userIDKey).(int)
		var city, gender string
		var age int
		var languages, hobbies json.RawMessage
		err := db.QueryRow(`
			SELECT city, age, gender, languages, hobbies
			FROM profiles WHERE user_id = $1
		`, userID).Scan(&city, &age, &gender, &languages, &hobbies)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":        userID,
			"city":      city,
			"age":       age,
			"gender":    gender,
			"languages": jsonRawOrArray(languages),
			"hobbies":   jsonRawOrArray(hobbies),
		})
	})
}
