package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/davidgeorgehope/livelabs.cc/internal/auth"
)

func userEmailIndexKey(email string) []byte {
	return []byte("idx::email::" + email)
}

// CreateUser persists a new user and its email index atomically.
// Returns an error if the email is already registered.
func (s *Store) CreateUser(user auth.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		// Ensure email is unique.
		if existing := b.Get(userEmailIndexKey(user.Email)); existing != nil {
			return fmt.Errorf("email %q: %w", user.Email, ErrEmailTaken)
		}

		if err := b.Put([]byte(user.ID), data); err != nil {
			return err
		}
		return b.Put(userEmailIndexKey(user.Email), []byte(user.ID))
	})
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(id string) (*auth.User, error) {
	var user auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by their unique email.
func (s *Store) GetUserByEmail(email string) (*auth.User, error) {
	var user auth.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		idBytes := b.Get(userEmailIndexKey(email))
		if idBytes == nil {
			return fmt.Errorf("user with email %q: %w", email, ErrNotFound)
		}

		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("user %q index orphan", email)
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserCount returns the number of user records (excluding index keys).
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				count++
			}
		}
		return nil
	})
	return count, err
}
