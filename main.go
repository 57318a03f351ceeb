package main

import (
	"log"
	"net/http"

	"github.com/rs/cors"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Error loading configuration:", err)
	}
	jwtSecret = []byte(cfg.JWTSecret)

	initDB(cfg)
	defer db.Close()

	mux := http.NewServeMux()

	// Auth
	mux.HandleFunc("/register", registerHandler(db))
	mux.HandleFunc("/login", loginHandler(db))

	// Current user
	mux.HandleFunc("/me", meHandler(db))
	mux.HandleFunc("/me/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			meProfileHandler(db).ServeHTTP(w, r)
			return
		}
		completeProfileHandler(db).ServeHTTP(w, r)
	})
	mux.HandleFunc("/me/bio", meBioHandler(db))
	mux.HandleFunc("/me/ping", mePingHandler(db))

	// Other users
	mux.HandleFunc("/users/", usersDispatcher(db))

	// Recommendations
	mux.HandleFunc("/recommendations", recommendationsHandler(db))
	mux.HandleFunc("/recommendations/", recommendationsActionsRouter(db))

	// Connections
	mux.HandleFunc("/connections", connectionsHandler(db))
	mux.HandleFunc("/connections/", connectionsActionsRouter(db))

	// Presence and live events
	mux.HandleFunc("/presence", presenceHandler(db))
	mux.HandleFunc("/ws", wsHandler(db))

	// Chats
	mux.HandleFunc("/chats/summary", chatSummaryHandler(db))
	mux.HandleFunc("/chats/read", chatsMarkReadHandler(db))
	mux.HandleFunc("/chats/", getChatHistoryHandler(db))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	log.Println("Server listening on", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, c.Handler(mux)))
}
