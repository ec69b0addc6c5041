package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var keySchemaVersion = []byte("schema_version")

// migration is one append-only schema step. A migration runs iff its
// version exceeds the stored max; the list must never be reordered.
type migration struct {
	version int
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		apply: func(tx *bolt.Tx) error {
			for _, b := range [][]byte{bucketBots, bucketHostnames, bucketPorts} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// migrate applies all pending migrations in a single transaction and
// records the new schema version.
func (s *Store) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		current := 0
		if v := meta.Get(keySchemaVersion); v != nil {
			current = int(binary.BigEndian.Uint32(v))
		}

		applied := current
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
			applied = m.version
		}

		if applied != current {
			v := make([]byte, 4)
			binary.BigEndian.PutUint32(v, uint32(applied))
			return meta.Put(keySchemaVersion, v)
		}
		return nil
	})
}

// SchemaVersion returns the current schema version, for diagnostics.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keySchemaVersion); v != nil {
			version = int(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	return version, err
}
