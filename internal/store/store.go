// Package store is the persistent user and pillbox-configuration store.
//
// It is a single bbolt file with two buckets:
//
//	users    — userID → JSON protocol.User
//	configs  — "userID/patientID" → JSON protocol.PillboxConfig
//
// bbolt is chosen because it is pure Go (no CGO, no external process), ACID
// (the registry reload always sees a consistent snapshot, even after a
// crash), and a single file inside the data directory.
//
// All methods are safe for concurrent use.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"

	"github.com/depremu/capsyd/pkg/protocol"
)

// ErrNotFound is returned when a user or config does not exist.
var ErrNotFound = errors.New("store: not found")

var (
	bucketUsers   = []byte("users")
	bucketConfigs = []byte("configs")
)

// Store wraps the bbolt database.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store at path and ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketConfigs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Users ────────────────────────────────────────────────────────────────────

// SaveUser upserts a user record.
func (s *Store) SaveUser(u protocol.User) error {
	if u.ID == "" {
		return errors.New("store: user ID must not be empty")
	}
	val, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("store: marshal user %s: %w", u.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(u.ID), val)
	})
}

// User retrieves one user record. Returns ErrNotFound if absent.
func (s *Store) User(id string) (protocol.User, error) {
	var u protocol.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketUsers).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return json.Unmarshal(val, &u)
	})
	return u, err
}

// DeleteUser removes a user and every pillbox config stored under it.
// Deleting a user that does not exist returns ErrNotFound.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		if err := users.Delete([]byte(id)); err != nil {
			return err
		}

		// Drop the user's configs by key prefix scan.
		configs := tx.Bucket(bucketConfigs)
		c := configs.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if err := configs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllUsers returns every user record. This is the registry reload source:
// it runs in a single read transaction so the reload sees one consistent
// snapshot.
func (s *Store) AllUsers() ([]protocol.User, error) {
	var out []protocol.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u protocol.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("store: corrupt user record: %w", err)
			}
			out = append(out, u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Pillbox configs ─────────────────────────────────────────────────────────

func configKey(userID, patientID string) []byte {
	return []byte(userID + "/" + patientID)
}

// SavePillboxConfig upserts the config for one user/patient pair.
func (s *Store) SavePillboxConfig(userID, patientID string, cfg protocol.PillboxConfig) error {
	if userID == "" || patientID == "" {
		return errors.New("store: userID and patientID must not be empty")
	}
	val, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: marshal config %s/%s: %w", userID, patientID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfigs).Put(configKey(userID, patientID), val)
	})
}

// PillboxConfig retrieves the config for one user/patient pair.
// Returns ErrNotFound if none has been saved.
func (s *Store) PillboxConfig(userID, patientID string) (protocol.PillboxConfig, error) {
	var cfg protocol.PillboxConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketConfigs).Get(configKey(userID, patientID))
		if val == nil {
			return fmt.Errorf("%w: config %s/%s", ErrNotFound, userID, patientID)
		}
		return json.Unmarshal(val, &cfg)
	})
	return cfg, err
}

// DeletePillboxConfig removes the config for one user/patient pair.
// Returns ErrNotFound if none exists. Timers armed from the deleted config
// keep running until the next save replaces them.
func (s *Store) DeletePillboxConfig(userID, patientID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := configKey(userID, patientID)
		b := tx.Bucket(bucketConfigs)
		if b.Get(key) == nil {
			return fmt.Errorf("%w: config %s/%s", ErrNotFound, userID, patientID)
		}
		return b.Delete(key)
	})
}
