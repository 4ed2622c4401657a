// Quick tool to seed a LiveLabs database for local development.
// Usage: go run ./cmd/livelabs-seed -db /path/to/livelabs.db
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

func main() {
	dbPath := flag.String("db", "/data/livelabs.db", "path to livelabs.db")
	email := flag.String("email", "dev@local", "demo account email")
	password := flag.String("password", "devpass123", "demo account password")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	user, err := ensureUser(db, *email, *password)
	if err != nil {
		log.Fatalf("seed user: %v", err)
	}

	tr, err := ensureDemoTrack(db)
	if err != nil {
		log.Fatalf("seed track: %v", err)
	}

	enrollmentID, err := ensureEnrollment(db, user.ID, tr.ID)
	if err != nil {
		log.Fatalf("seed enrollment: %v", err)
	}

	fmt.Printf("  user:       %s (%s, admin)\n", user.ID, user.Email)
	fmt.Printf("  track:      %s\n", tr.ID)
	fmt.Printf("  enrollment: %s\n", enrollmentID)
	fmt.Printf("\nLogin with %s / %s\n", *email, *password)
}

// ensureUser creates the demo admin, or reuses an existing account with the
// same email so the tool can run repeatedly.
func ensureUser(db *store.Store, email, password string) (*auth.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := auth.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         "Dev Admin",
		IsAdmin:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return db.GetUserByEmail(email)
		}
		return nil, err
	}
	return &user, nil
}

// ensureDemoTrack upserts the demo track on the first run only, so edits made
// to it afterwards survive re-seeding.
func ensureDemoTrack(db *store.Store) (track.Track, error) {
	tr := demoTrack()
	seeded, err := db.LoadSetting("demo_seeded")
	if err != nil {
		return tr, err
	}
	if seeded == "true" {
		return tr, nil
	}
	if err := db.UpsertTrack(tr); err != nil {
		return tr, err
	}
	return tr, db.SaveSetting("demo_seeded", "true")
}

func demoTrack() track.Track {
	return track.Track{
		ID:          "demo-shell",
		Title:       "Shell Basics",
		Description: "Create a file in the sandbox and validate it exists.",
		Published:   true,
		DockerImage: "ubuntu:22.04",
		Steps: []track.Step{{
			Order:            1,
			Title:            "Create a marker file",
			Content:          "Use the terminal to run `touch /tmp/done`, then validate.",
			ValidationScript: "test -f /tmp/done",
		}},
	}
}

func ensureEnrollment(db *store.Store, userID, trackID string) (string, error) {
	if existing, err := db.FindActiveEnrollment(userID, trackID); err != nil {
		return "", err
	} else if existing != nil {
		return existing.ID, nil
	}

	enr := store.Enrollment{
		ID:          uuid.NewString(),
		UserID:      userID,
		TrackID:     trackID,
		Status:      store.EnrollmentActive,
		CurrentStep: 1,
		InitStatus:  store.InitPending,
		StartedAt:   time.Now().UTC(),
	}
	if err := db.CreateEnrollment(enr); err != nil {
		return "", err
	}
	return enr.ID, nil
}
