package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Execution statuses.
const (
	ExecutionRunning = "running"
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
	ExecutionError   = "error"
)

// Script types recorded against an execution.
const (
	ScriptSetup      = "setup"
	ScriptValidation = "validation"
	ScriptInit       = "init"
)

// Execution is one script run against an enrollment's sandbox.
type Execution struct {
	ID           string     `json:"id"`
	EnrollmentID string     `json:"enrollment_id"`
	StepOrder    *int       `json:"step_order,omitempty"`
	ScriptType   string     `json:"script_type"`
	Status       string     `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (e Execution) key() []byte {
	ts := e.StartedAt.UTC().Format(time.RFC3339Nano)
	return []byte(e.EnrollmentID + "::" + ts + "::" + e.ID)
}

// Terminal reports whether the execution has reached a final status.
func (e Execution) Terminal() bool {
	switch e.Status {
	case ExecutionSuccess, ExecutionFailed, ExecutionError:
		return true
	}
	return false
}

// CreateExecution records a newly started script run.
func (s *Store) CreateExecution(e Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put(e.key(), data)
	})
}

// FinalizeExecution writes the terminal state of a run. It refuses to touch a
// row that has already been finalized, so retries cannot clobber results.
func (s *Store) FinalizeExecution(e Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		v := b.Get(e.key())
		if v == nil {
			return fmt.Errorf("execution %q: %w", e.ID, ErrNotFound)
		}
		var stored Execution
		if err := json.Unmarshal(v, &stored); err != nil {
			return fmt.Errorf("unmarshal execution: %w", err)
		}
		if stored.Terminal() {
			return fmt.Errorf("execution %q already finalized", e.ID)
		}
		return b.Put(e.key(), data)
	})
}

// ExecutionCount returns the total number of recorded script runs.
func (s *Store) ExecutionCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// ListExecutions returns the most recent executions for an enrollment, newest
// first. A limit of 0 returns everything.
func (s *Store) ListExecutions(enrollmentID string, limit int) ([]Execution, error) {
	var executions []Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		prefix := executionKeyPrefix(enrollmentID)
		c := b.Cursor()

		// Keys sort chronologically within the prefix; walk backwards from
		// the last key of the range for newest-first order.
		var k, v []byte
		end := append(append([]byte{}, prefix...), 0xff)
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var e Execution
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			executions = append(executions, e)
			if limit > 0 && len(executions) >= limit {
				break
			}
		}
		return nil
	})
	return executions, err
}
