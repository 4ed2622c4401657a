package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
)

// Init statuses for the companion app bootstrap.
const (
	InitPending = "pending"
	InitRunning = "running"
	InitSuccess = "success"
	InitFailed  = "failed"
)

// Enrollment is one learner's run through a track.
type Enrollment struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	TrackID     string            `json:"track_id"`
	Status      string            `json:"status"`
	CurrentStep int               `json:"current_step"`
	Environment map[string]string `json:"environment,omitempty"`

	InitStatus      string         `json:"init_status"`
	InitError       string         `json:"init_error,omitempty"`
	AppURL          string         `json:"app_url,omitempty"`
	AppCookies      []track.Cookie `json:"app_cookies,omitempty"`
	InitCompletedAt *time.Time     `json:"init_completed_at,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InitResult is the terminal outcome of an init script run.
type InitResult struct {
	Success     bool
	Error       string
	AppURL      string
	AppCookies  []track.Cookie
	CompletedAt time.Time
}

func enrollmentUserIndexKey(userID, enrollmentID string) []byte {
	return []byte("idx::user::" + userID + "::" + enrollmentID)
}

func enrollmentUserIndexPrefix(userID string) []byte {
	return []byte("idx::user::" + userID + "::")
}

func executionKeyPrefix(enrollmentID string) []byte {
	return []byte(enrollmentID + "::")
}

// CreateEnrollment persists a new enrollment and its user index atomically.
func (s *Store) CreateEnrollment(e Enrollment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		if err := b.Put([]byte(e.ID), data); err != nil {
			return err
		}
		return b.Put(enrollmentUserIndexKey(e.UserID, e.ID), []byte(""))
	})
}

// GetEnrollment retrieves an enrollment by id.
func (s *Store) GetEnrollment(id string) (*Enrollment, error) {
	var e Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEnrollment replaces an existing enrollment record.
func (s *Store) UpdateEnrollment(e Enrollment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		if existing := b.Get([]byte(e.ID)); existing == nil {
			return fmt.Errorf("enrollment %q: %w", e.ID, ErrNotFound)
		}
		return b.Put([]byte(e.ID), data)
	})
}

// DeleteEnrollment removes an enrollment, its user index, its execution
// history, and its app container row in a single transaction.
func (s *Store) DeleteEnrollment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEnrollments)

		v := eb.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
		}
		var e Enrollment
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal enrollment: %w", err)
		}

		if err := eb.Delete([]byte(id)); err != nil {
			return err
		}
		if err := eb.Delete(enrollmentUserIndexKey(e.UserID, id)); err != nil {
			return err
		}

		// Cascade-delete execution history.
		xb := tx.Bucket(bucketExecutions)
		prefix := executionKeyPrefix(id)
		c := xb.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		for _, k := range keys {
			if err := xb.Delete(k); err != nil {
				return err
			}
		}

		// Cascade-delete the app container row.
		return tx.Bucket(bucketApps).Delete([]byte(id))
	})
}

// ListEnrollmentsForUser returns all enrollments belonging to the given user,
// newest first.
func (s *Store) ListEnrollmentsForUser(userID string) ([]Enrollment, error) {
	var enrollments []Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		prefix := enrollmentUserIndexPrefix(userID)
		c := b.Cursor()

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := string(k[len(prefix):])
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var e Enrollment
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			enrollments = append(enrollments, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(enrollments)-1; i < j; i, j = i+1, j-1 {
		if enrollments[i].StartedAt.Before(enrollments[j].StartedAt) {
			enrollments[i], enrollments[j] = enrollments[j], enrollments[i]
		}
	}
	return enrollments, nil
}

// ListEnrollments returns every enrollment (excluding index keys).
func (s *Store) ListEnrollments() ([]Enrollment, error) {
	var enrollments []Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var e Enrollment
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // skip malformed records
			}
			enrollments = append(enrollments, e)
			return nil
		})
	})
	return enrollments, err
}

// FindActiveEnrollment returns the user's active enrollment in a track, if any.
func (s *Store) FindActiveEnrollment(userID, trackID string) (*Enrollment, error) {
	enrollments, err := s.ListEnrollmentsForUser(userID)
	if err != nil {
		return nil, err
	}
	for i := range enrollments {
		if enrollments[i].TrackID == trackID && enrollments[i].Status == EnrollmentActive {
			return &enrollments[i], nil
		}
	}
	return nil, nil
}

// MarkInitRunning transitions init_status to running and clears the previous
// error, unless init is already running or has succeeded. Returns the stored
// row (post-transition) and whether the transition happened. The single
// transaction makes this the cross-goroutine gate against duplicate init runs.
func (s *Store) MarkInitRunning(id string) (Enrollment, bool, error) {
	var e Enrollment
	var transitioned bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal enrollment: %w", err)
		}

		switch e.InitStatus {
		case InitRunning, InitSuccess:
			return nil
		}

		e.InitStatus = InitRunning
		e.InitError = ""
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal enrollment: %w", err)
		}
		transitioned = true
		return b.Put([]byte(id), data)
	})
	return e, transitioned, err
}

// FinishInit records the terminal outcome of an init run.
func (s *Store) FinishInit(id string, result InitResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
		}
		var e Enrollment
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal enrollment: %w", err)
		}

		if result.Success {
			e.InitStatus = InitSuccess
			e.InitError = ""
			e.AppURL = result.AppURL
			e.AppCookies = result.AppCookies
			completedAt := result.CompletedAt
			e.InitCompletedAt = &completedAt
		} else {
			e.InitStatus = InitFailed
			e.InitError = result.Error
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal enrollment: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// AdvanceStep moves current_step forward by one if it still equals fromStep,
// marking the enrollment completed when completed is set. Returns the stored
// row and whether the step advanced; a concurrent advance loses quietly.
func (s *Store) AdvanceStep(id string, fromStep int, completed bool, now time.Time) (Enrollment, bool, error) {
	var e Enrollment
	var advanced bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal enrollment: %w", err)
		}

		if e.CurrentStep != fromStep || e.Status != EnrollmentActive {
			return nil
		}

		if completed {
			e.Status = EnrollmentCompleted
			completedAt := now
			e.CompletedAt = &completedAt
		} else {
			e.CurrentStep++
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal enrollment: %w", err)
		}
		advanced = true
		return b.Put([]byte(id), data)
	})
	return e, advanced, err
}
