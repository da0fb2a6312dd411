package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"mangafetch/internal"
)

var (
	bucketSession = []byte("session")
	keyTokens     = []byte("tokens")
)

// BoltPersister keeps the login cache in a bbolt file readable only by
// the current user.
type BoltPersister struct {
	db *bolt.DB
}

// OpenBoltPersister opens or creates the cache database at path
func OpenBoltPersister(path string) (*BoltPersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open login cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltPersister{db: db}, nil
}

// Save implements internal.TokenPersister
func (p *BoltPersister) Save(pair internal.TokenPair) error {
	if pair.IsZero() {
		return p.Clear()
	}
	data, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Put(keyTokens, data)
	})
}

// Load implements internal.TokenPersister. A missing entry yields the zero pair.
func (p *BoltPersister) Load() (internal.TokenPair, error) {
	var pair internal.TokenPair
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSession).Get(keyTokens)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &pair)
	})
	if err != nil {
		return internal.TokenPair{}, fmt.Errorf("reading login cache: %w", err)
	}
	return pair, nil
}

// Clear implements internal.TokenPersister
func (p *BoltPersister) Clear() error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyTokens)
	})
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
