// Package grants keeps a journal of device selections: which origin was
// granted which device, and when. It is bookkeeping for the operator
// (inspected and revoked through the CLI) — dispatch decisions never read it.
package grants

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketGrants = []byte("grants")

// ErrNotFound is returned by Revoke when nothing matched.
var ErrNotFound = errors.New("grant not found")

// Grant records one resolved device selection.
type Grant struct {
	Origin    string    `json:"origin"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

func grantKey(origin, address string) []byte {
	return []byte(origin + "|" + address)
}

// Store is a bbolt-backed grant journal. Safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open grants db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGrants)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init grants db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record journals a selection. Re-selecting the same device refreshes the
// existing record's name and timestamp.
func (s *Store) Record(g Grant) error {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now()
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).Put(grantKey(g.Origin, g.Address), data)
	})
}

// List returns every journaled grant in key order.
func (s *Store) List() ([]Grant, error) {
	var out []Grant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).ForEach(func(_, v []byte) error {
			var g Grant
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke removes the grant for (origin, address), or every grant of the
// origin when address is empty. It reports how many records went away;
// zero matches is ErrNotFound.
func (s *Store) Revoke(origin, address string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		if address != "" {
			key := grantKey(origin, address)
			if b.Get(key) == nil {
				return nil
			}
			removed = 1
			return b.Delete(key)
		}
		prefix := []byte(origin + "|")
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, ErrNotFound
	}
	return removed, nil
}
