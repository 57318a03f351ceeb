package main

import (
	"database/sql"
	"log"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var db *sql.DB

func initDB(cfg Config) {
	var err error
	db, err = sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Error connecting to the database:", err)
	}
	err = db.Ping()
	if err != nil {
		log.Fatal("Cannot reach the database:", err)
	}
	log.Default().Println("Database connection established successfully")

	// The schema is applied manually with schema.sql.
}
