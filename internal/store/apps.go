package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// App container statuses.
const (
	AppStarting = "starting"
	AppRunning  = "running"
	AppStopped  = "stopped"
	AppFailed   = "failed"
)

// AppContainer tracks the companion app container for an enrollment. Rows are
// keyed by enrollment id, so each enrollment has at most one. Ports maps the
// container port (as a string, e.g. "80") to the bound host port.
type AppContainer struct {
	EnrollmentID    string         `json:"enrollment_id"`
	ContainerID     string         `json:"container_id"`
	ContainerName   string         `json:"container_name"`
	Image           string         `json:"image"`
	Status          string         `json:"status"`
	Ports           map[string]int `json:"ports,omitempty"`
	RestartCount    int            `json:"restart_count"`
	StartedAt       time.Time      `json:"started_at"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
}

// SaveAppContainer inserts or replaces the app row for an enrollment.
func (s *Store) SaveAppContainer(a AppContainer) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal app container: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).Put([]byte(a.EnrollmentID), data)
	})
}

// GetAppContainer retrieves the app row for an enrollment.
func (s *Store) GetAppContainer(enrollmentID string) (*AppContainer, error) {
	var a AppContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketApps).Get([]byte(enrollmentID))
		if v == nil {
			return fmt.Errorf("app container for %q: %w", enrollmentID, ErrNotFound)
		}
		return json.Unmarshal(v, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAppContainer removes the app row. Deleting a missing row is a no-op.
func (s *Store) DeleteAppContainer(enrollmentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).Delete([]byte(enrollmentID))
	})
}

// ListAppContainers returns every app row, for reconciliation sweeps.
func (s *Store) ListAppContainers() ([]AppContainer, error) {
	var apps []AppContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).ForEach(func(k, v []byte) error {
			var a AppContainer
			if err := json.Unmarshal(v, &a); err != nil {
				return nil // skip malformed records
			}
			apps = append(apps, a)
			return nil
		})
	})
	return apps, err
}
