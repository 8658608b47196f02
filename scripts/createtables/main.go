package main

import (
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/joho/godotenv"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id uuid PRIMARY KEY,
		username text NOT NULL UNIQUE,
		email text NOT NULL UNIQUE,
		password_hash text NOT NULL,
		display_name text,
		avatar_url text,
		created_at timestamptz NOT NULL,
		last_seen timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id uuid PRIMARY KEY,
		listing_id uuid,
		participant_lo uuid NOT NULL REFERENCES users(id),
		participant_hi uuid NOT NULL REFERENCES users(id),
		last_message_preview text,
		last_message_at timestamptz NOT NULL,
		created_at timestamptz NOT NULL
	)`,
	// One conversation per (listing, pair); NULLS NOT DISTINCT makes the
	// no-listing case dedup per pair globally.
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_listing_pair
		ON conversations (listing_id, participant_lo, participant_hi)
		NULLS NOT DISTINCT`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		user_id uuid NOT NULL REFERENCES users(id),
		deleted_at timestamptz,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id uuid PRIMARY KEY,
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		sender_id uuid NOT NULL REFERENCES users(id),
		type text NOT NULL,
		content text NOT NULL DEFAULT '',
		attachment_url text,
		attachment_name text,
		attachment_size bigint,
		attachment_duration integer,
		created_at timestamptz NOT NULL,
		is_read boolean NOT NULL DEFAULT false
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created
		ON messages (conversation_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS ratings (
		rater_id uuid NOT NULL REFERENCES users(id),
		ratee_id uuid NOT NULL REFERENCES users(id),
		stars integer NOT NULL,
		comment text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL,
		PRIMARY KEY (rater_id, ratee_id)
	)`,
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatal(err)
		}
	}

	log.Println("Tables created successfully")
}
