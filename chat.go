package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ChatMessage is one persisted direct message.
type ChatMessage struct {
	ID     int64     `json:"id"`
	ChatID int       `json:"chat_id"`
	From   int       `json:"from"`
	To     int       `json:"to,omitempty"`
	Body   string    `json:"body,omitempty"`
	Ts     time.Time `json:"ts"` // created_at
}

// saveChatMsg persists a message between two connected users and flips the
// recipient's unread flag. Messaging is only allowed over an accepted edge.
func saveChatMsg(db *sql.DB, fromUserID int, toUserID int, content string) (ChatMessage, error) {
	var msg ChatMessage
	tx, err := db.Begin()
	if err != nil {
		return msg, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			_ = tx.Commit()
		}
	}()

	// 1) Make sure that the relationship is an accepted connection
	var ok int
	err = tx.QueryRow(`
		SELECT 1
		FROM edges
		WHERE status = 'accepted'
			AND ((requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1))
		LIMIT 1
	`, fromUserID, toUserID).Scan(&ok)
	if err != nil {
		if err == sql.ErrNoRows {
			err = fmt.Errorf("no accepted connection")
		}
		return msg, err
	}

	// 2) Fetch or create a chat id
	var chatID int
	err = tx.QueryRow(`
		SELECT id
		FROM chats
		WHERE user1_id = LEAST($1::int, $2::int) AND user2_id = GREATEST($1::int, $2::int)
		LIMIT 1
	`, fromUserID, toUserID).Scan(&chatID)
	if err == sql.ErrNoRows {
		err = tx.QueryRow(`
			INSERT INTO chats (user1_id, user2_id)
			VALUES (LEAST($1::int, $2::int), GREATEST($1::int, $2::int))
			ON CONFLICT (user1_id, user2_id) DO NOTHING
			RETURNING id
		`, fromUserID, toUserID).Scan(&chatID)
		if err == sql.ErrNoRows {
			// Race: someone else created first -> refetch
			err = tx.QueryRow(`
				SELECT id
				FROM chats
				WHERE user1_id = LEAST($1::int, $2::int) AND user2_id = GREATEST($1::int, $2::int)
				LIMIT 1
			`, fromUserID, toUserID).Scan(&chatID)
		}
	}
	if err != nil {
		return msg, err
	}

	// 3) Add message
	var msgID int64
	var createdAt time.Time
	err = tx.QueryRow(`
		INSERT INTO messages (chat_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, chatID, fromUserID, content).Scan(&msgID, &createdAt)
	if err != nil {
		return msg, err
	}

	// 4) Update last_message_at and unread for the peer
	_, err = tx.Exec(`
		UPDATE chats c
		SET last_message_at = $3,
			unread_for_user1 = CASE WHEN $2 = c.user2_id THEN TRUE ELSE unread_for_user1 END,
			unread_for_user2 = CASE WHEN $2 = c.user1_id THEN TRUE ELSE unread_for_user2 END
		WHERE c.id = $1
	`, chatID, fromUserID, createdAt)
	if err != nil {
		return msg, err
	}

	msg = ChatMessage{
		ID:     msgID,
		ChatID: chatID,
		From:   fromUserID,
		To:     toUserID,
		Body:   content,
		Ts:     createdAt,
	}
	return msg, nil
}

func getChatMessages(db *sql.DB, userID int, otherUserID int, limit int, before *time.Time) ([]ChatMessage, error) {
	// 1) Resolve chat id
	var chatID int
	err := db.QueryRow(`
		SELECT id
		FROM chats
		WHERE user1_id = LEAST($1::int, $2::int) AND user2_id = GREATEST($1::int, $2::int)
		LIMIT 1
	`, userID, otherUserID).Scan(&chatID)
	if err != nil {
		if err == sql.ErrNoRows {
			return []ChatMessage{}, nil
		}
		return nil, err
	}

	// 2) Fetch messages
	q := `
		SELECT id, sender_id, content, created_at
		FROM messages
		WHERE chat_id = $1
			AND ($2::timestamptz IS NULL OR created_at < $2)
			ORDER BY created_at DESC
		LIMIT $3`

	var rows *sql.Rows
	if before != nil {
		rows, err = db.Query(q, chatID, *before, limit)
	} else {
		rows, err = db.Query(q, chatID, nil, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]ChatMessage, 0, limit)
	for rows.Next() {
		var msgID int64
		var senderID int
		var body string
		var createdAt time.Time
		if err := rows.Scan(&msgID, &senderID, &body, &createdAt); err != nil {
			return nil, err
		}

		msgs = append(msgs, ChatMessage{
			ID:     msgID,
			ChatID: chatID,
			From:   senderID,
			Body:   body,
			Ts:     createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		// Don't mark as read if the query failed
		return nil, err
	}

	// 3) Opening the conversation clears the unread state for this user
	_, _ = db.Exec(`
		UPDATE messages
		SET is_read = TRUE
		WHERE chat_id = $1 AND sender_id <> $2 AND is_read IS FALSE
	`, chatID, userID)

	_, _ = db.Exec(`
		UPDATE chats c
		SET unread_for_user1 = CASE WHEN $2 = c.user1_id THEN FALSE ELSE unread_for_user1 END,
			unread_for_user2 = CASE WHEN $2 = c.user2_id THEN FALSE ELSE unread_for_user2 END
		WHERE c.id = $1
	`, chatID, userID)

	return msgs, nil
}

// GET /chats/{otherUserId}/messages?limit=50&before=2025-09-16T08:00:00Z
func getChatHistoryHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := getUserIDFromBearer(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "chats" || parts[2] != "messages" {
			http.NotFound(w, r)
			return
		}
		otherID, err := strconv.Atoi(parts[1])
		if err != nil {
			http.Error(w, "bad user id", http.StatusBadRequest)
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		var beforePtr *time.Time
		if s := r.URL.Query().Get("before"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				beforePtr = &t
			}
		}

		msgs, err := getChatMessages(db, userID, otherID, limit, beforePtr)
		if err != nil {
			http.Error(w, "failed to fetch messages", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(msgs)
	}
}
