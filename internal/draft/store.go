// Package draft keeps unsent message text per session in a local BoltDB file
// so a failed or rejected send can be restored.
package draft

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const draftBucket = "drafts"

type Draft struct {
	Text    string    `json:"text"`
	SavedAt time.Time `json:"saved_at"`
}

// Store is a BoltDB-backed draft store. A nil *Store is a valid no-op store.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("draft path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open draft db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(draftBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create drafts bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores text for the session; blank text deletes the draft.
func (s *Store) Save(sessionID, text string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return s.Delete(sessionID)
	}
	payload, err := json.Marshal(Draft{Text: text, SavedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(draftBucket)).Put([]byte(sessionID), payload)
	})
}

// Load returns the saved draft; ok is false when there is none.
func (s *Store) Load(sessionID string) (d Draft, ok bool, err error) {
	if s == nil || s.db == nil {
		return Draft{}, false, nil
	}
	err = s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(draftBucket)).Get([]byte(sessionID))
		if payload == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(payload, &d)
	})
	if err != nil {
		return Draft{}, false, fmt.Errorf("load draft: %w", err)
	}
	return d, ok, nil
}

func (s *Store) Delete(sessionID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(draftBucket)).Delete([]byte(sessionID))
	})
}
