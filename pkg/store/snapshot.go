package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/drover-io/drover/pkg/models"
)

var bucketTasks = []byte("tasks")

// Snapshot persists terminal tasks to a bbolt file so task history survives
// controller restarts. Writes are best-effort: a failed save is logged, not
// fatal, because the in-memory store stays authoritative.
type Snapshot struct {
	db *bolt.DB
}

// OpenSnapshot opens (creating if needed) the snapshot database.
func OpenSnapshot(path string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Close closes the database.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Save persists a terminal task. Non-terminal tasks are ignored: mid-flight
// state is meaningless after a restart anyway.
func (s *Snapshot) Save(task models.Task) {
	if !task.Status.IsTerminal() {
		return
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
	if err != nil {
		slog.Warn("Failed to snapshot task", "task_id", task.ID, "error", err)
	}
}

// Delete removes a task from the snapshot.
func (s *Snapshot) Delete(id string) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
	if err != nil {
		slog.Warn("Failed to delete task snapshot", "task_id", id, "error", err)
	}
}

// LoadAll returns every snapshotted task. Corrupt records are skipped.
func (s *Snapshot) LoadAll() ([]models.Task, error) {
	var out []models.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				slog.Warn("Skipping corrupt task snapshot", "key", string(k), "error", err)
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load task snapshots: %w", err)
	}
	return out, nil
}
