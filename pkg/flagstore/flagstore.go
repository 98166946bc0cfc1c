package flagstore

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Bucket and key names are the only contract between the main application and
// the recovery program. Nothing else crosses the reboot boundary.
var (
	bucketOTA  = []byte("ota")
	keyPending = []byte("pending")
	keySize    = []byte("size")
)

// UpdateFlag is the durable record the downloader writes before rebooting and
// the recovery program reads once at boot.
type UpdateFlag struct {
	Pending      bool
	ExpectedSize uint32
}

// Store is a small persistent key-value namespace for the update flag.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the flag database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open flag store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOTA)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ota bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Read returns the current flag. Absent keys read as the default (not
// pending) state.
func (s *Store) Read() (UpdateFlag, error) {
	var flag UpdateFlag
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOTA)
		if b == nil {
			return nil
		}
		if v := b.Get(keyPending); len(v) == 1 && v[0] == 1 {
			flag.Pending = true
		}
		if v := b.Get(keySize); len(v) == 4 {
			flag.ExpectedSize = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	if err != nil {
		return UpdateFlag{}, fmt.Errorf("failed to read update flag: %w", err)
	}
	return flag, nil
}

// Set marks an update pending with the expected firmware size. The write is
// durable before Set returns.
func (s *Store) Set(expectedSize uint32) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOTA)
		if err := b.Put(keyPending, []byte{1}); err != nil {
			return err
		}
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], expectedSize)
		return b.Put(keySize, size[:])
	})
	if err != nil {
		return fmt.Errorf("failed to set update flag: %w", err)
	}
	return nil
}

// Clear resets the flag to the default state. The recovery program calls this
// before attempting a flash so a crash mid-flash cannot repeat on every boot.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOTA)
		if err := b.Delete(keyPending); err != nil {
			return err
		}
		return b.Delete(keySize)
	})
	if err != nil {
		return fmt.Errorf("failed to clear update flag: %w", err)
	}
	return nil
}
