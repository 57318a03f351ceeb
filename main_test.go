package main

import (
	"database/sql"
	"log"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// Test helper structures and types
type TestUser struct {
	ID       int
	Email    string
	Password string
	Token    string
}

type TestProfile struct {
	DisplayName string   `json:"display_name"`
	AboutMe     string   `json:"about_me"`
	LookingFor  string   `json:"looking_for"`
	City        string   `json:"city"`
	Age         int      `json:"age"`
	Gender      string   `json:"gender"`
	Languages   []string `json:"languages"`
	Hobbies     []string `json:"hobbies"`
	ImageFile   string   `json:"image"`
}

func TestMain(m *testing.M) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5433 user=kindred_user password=kindred_password dbname=kindred_db sslmode=disable"
	}

	var err error
	db, err = sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal("Error connecting to the database:", err)
	}
	defer db.Close()

	m.Run()
}
