package keyring

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketKeys       = []byte("keys")        // id → ProviderKey JSON
	bucketBots       = []byte("bots")        // bot id → BotRecord JSON
	bucketTokenIndex = []byte("token_index") // token hash → bot id
	bucketUsage      = []byte("usage")       // big-endian seq → UsageEntry JSON
	bucketMeta       = []byte("meta")
)

var keySchemaVersion = []byte("schema_version")

var (
	// ErrNotFound is returned when no key or bot matches.
	ErrNotFound = errors.New("keyring record not found")
	// ErrDuplicateBot is returned when a bot id is already registered.
	ErrDuplicateBot = errors.New("bot already registered")
)

// ProviderKey is one stored upstream credential. SecretEncrypted is the
// nonce∥tag∥ciphertext blob; the plaintext never touches disk.
type ProviderKey struct {
	ID              string    `json:"id"`
	Vendor          string    `json:"vendor"`
	SecretEncrypted []byte    `json:"secret_encrypted"`
	Label           string    `json:"label,omitempty"`
	Tag             string    `json:"tag,omitempty"` // empty = default
	CreatedAt       time.Time `json:"created_at"`
}

// KeyInfo is the listing view of a ProviderKey, without the ciphertext.
type KeyInfo struct {
	ID        string    `json:"id"`
	Vendor    string    `json:"vendor"`
	Label     string    `json:"label,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BotRecord is one registered proxy caller. Only the bearer's hash is
// kept; the bearer itself is returned once at registration.
type BotRecord struct {
	ID        string    `json:"id"` // equals the control-plane bot id
	Hostname  string    `json:"hostname"`
	TokenHash string    `json:"-"`
	Tags      []string  `json:"tags,omitempty"` // ordered preference
	CreatedAt time.Time `json:"created_at"`
}

// UsageEntry is one append-only proxy usage row.
type UsageEntry struct {
	BotID      string    `json:"bot_id"`
	Vendor     string    `json:"vendor"`
	KeyID      string    `json:"key_id,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the keyring's persistent state: encrypted keys, the bot
// registry and the usage log, plus the master key that seals secrets.
type Store struct {
	db        *bolt.DB
	masterKey []byte
}

// Open creates or opens the keyring database and applies migrations.
func Open(path string, masterKey []byte) (*Store, error) {
	if len(masterKey) != masterKeyBytes {
		return nil, fmt.Errorf("master key must be %d bytes", masterKeyBytes)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open keyring db: %w", err)
	}
	s := &Store{db: db, masterKey: masterKey}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate keyring db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

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
		if current < 1 {
			for _, b := range [][]byte{bucketKeys, bucketBots, bucketTokenIndex, bucketUsage} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
			v := make([]byte, 4)
			binary.BigEndian.PutUint32(v, 1)
			return meta.Put(keySchemaVersion, v)
		}
		return nil
	})
}

// AddKey encrypts and stores one credential, returning the new id.
func (s *Store) AddKey(vendor, plaintext, label, tag string) (string, error) {
	blob, err := Encrypt(plaintext, s.masterKey)
	if err != nil {
		return "", err
	}
	k := ProviderKey{
		ID:              uuid.NewString(),
		Vendor:          vendor,
		SecretEncrypted: blob,
		Label:           label,
		Tag:             tag,
		CreatedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(k.ID), data)
	})
	if err != nil {
		return "", err
	}
	return k.ID, nil
}

// GetKey returns one key row including the ciphertext.
func (s *Store) GetKey(id string) (*ProviderKey, error) {
	var k *ProviderKey
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		k = new(ProviderKey)
		return json.Unmarshal(v, k)
	})
	return k, err
}

// DeleteKey removes a key.
func (s *Store) DeleteKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListKeys returns all keys without their ciphertext.
func (s *Store) ListKeys() ([]KeyInfo, error) {
	var infos []KeyInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			var k ProviderKey
			if err := json.Unmarshal(v, &k); err != nil {
				return err
			}
			infos = append(infos, KeyInfo{
				ID: k.ID, Vendor: k.Vendor, Label: k.Label, Tag: k.Tag, CreatedAt: k.CreatedAt,
			})
			return nil
		})
	})
	return infos, err
}

// keysWhere collects keys matching the predicate, in stable id order.
func (s *Store) keysWhere(match func(*ProviderKey) bool) ([]*ProviderKey, error) {
	var keys []*ProviderKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			k := new(ProviderKey)
			if err := json.Unmarshal(v, k); err != nil {
				return err
			}
			if match(k) {
				keys = append(keys, k)
			}
			return nil
		})
	})
	return keys, err
}

// GetKeysByVendor returns every key for a vendor, tagged or not.
func (s *Store) GetKeysByVendor(vendor string) ([]*ProviderKey, error) {
	return s.keysWhere(func(k *ProviderKey) bool { return k.Vendor == vendor })
}

// GetKeysByVendorAndTag returns a vendor's keys carrying exactly tag.
func (s *Store) GetKeysByVendorAndTag(vendor, tag string) ([]*ProviderKey, error) {
	return s.keysWhere(func(k *ProviderKey) bool { return k.Vendor == vendor && k.Tag == tag })
}

// GetDefaultKeysForVendor returns a vendor's untagged keys.
func (s *Store) GetDefaultKeysForVendor(vendor string) ([]*ProviderKey, error) {
	return s.keysWhere(func(k *ProviderKey) bool { return k.Vendor == vendor && k.Tag == "" })
}

// Plaintext decrypts a key's secret. The caller consumes it immediately
// and must not retain it.
func (s *Store) Plaintext(k *ProviderKey) (string, error) {
	return Decrypt(k.SecretEncrypted, s.masterKey)
}

// RegisterBot stores a bot registration and returns the plaintext bearer,
// shown exactly once. A duplicate bot id fails with ErrDuplicateBot.
func (s *Store) RegisterBot(botID, hostname string, tags []string) (string, error) {
	token, err := NewBearerToken()
	if err != nil {
		return "", err
	}
	rec := BotRecord{
		ID:        botID,
		Hostname:  hostname,
		TokenHash: HashToken(token),
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bots := tx.Bucket(bucketBots)
		if bots.Get([]byte(rec.ID)) != nil {
			return ErrDuplicateBot
		}
		data, err := json.Marshal(struct {
			BotRecord
			TokenHash string `json:"token_hash"`
		}{rec, rec.TokenHash})
		if err != nil {
			return err
		}
		if err := bots.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTokenIndex).Put([]byte(rec.TokenHash), []byte(rec.ID))
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetBotByTokenHash resolves a bearer hash to its bot record.
func (s *Store) GetBotByTokenHash(hash string) (*BotRecord, error) {
	var rec *BotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTokenIndex).Get([]byte(hash))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketBots).Get(id)
		if v == nil {
			return ErrNotFound
		}
		return unmarshalBot(v, &rec)
	})
	return rec, err
}

// GetBot returns a bot registration by id.
func (s *Store) GetBot(id string) (*BotRecord, error) {
	var rec *BotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBots).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return unmarshalBot(v, &rec)
	})
	return rec, err
}

// ListBots returns all registrations. Token hashes stay internal.
func (s *Store) ListBots() ([]*BotRecord, error) {
	var bots []*BotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBots).ForEach(func(_, v []byte) error {
			var rec *BotRecord
			if err := unmarshalBot(v, &rec); err != nil {
				return err
			}
			bots = append(bots, rec)
			return nil
		})
	})
	return bots, err
}

// DeleteBot removes a registration and its token index entry.
func (s *Store) DeleteBot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bots := tx.Bucket(bucketBots)
		v := bots.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var rec *BotRecord
		if err := unmarshalBot(v, &rec); err != nil {
			return err
		}
		if err := bots.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketTokenIndex).Delete([]byte(rec.TokenHash))
	})
}

// Counts returns the key and bot counts for the health endpoint.
func (s *Store) Counts() (keys, bots int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		keys = tx.Bucket(bucketKeys).Stats().KeyN
		bots = tx.Bucket(bucketBots).Stats().KeyN
		return nil
	})
	return keys, bots, err
}

// AppendUsage records one proxied request. The log is append-only and
// unbounded; rotation is an operator concern.
func (s *Store) AppendUsage(e UsageEntry) error {
	e.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, seq)
		return b.Put(k, data)
	})
}

// ListUsage returns the most recent usage rows, newest first.
func (s *Store) ListUsage(limit int) ([]UsageEntry, error) {
	var entries []UsageEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e UsageEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// unmarshalBot decodes the stored shape, which carries token_hash in a
// field the public JSON view omits.
func unmarshalBot(v []byte, out **BotRecord) error {
	var stored struct {
		BotRecord
		TokenHash string `json:"token_hash"`
	}
	if err := json.Unmarshal(v, &stored); err != nil {
		return err
	}
	rec := stored.BotRecord
	rec.TokenHash = stored.TokenHash
	*out = &rec
	return nil
}
