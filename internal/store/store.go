// Package store is the control plane's metadata store: the declarative
// record of every bot, its allocated port and its image version, persisted
// in a single BoltDB database. It is the only writer of bot rows; the
// lifecycle manager and reconciler mutate rows exclusively through it.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBots      = []byte("bots")      // id → Bot JSON
	bucketHostnames = []byte("hostnames") // hostname → id
	bucketPorts     = []byte("ports")     // big-endian uint32 port → id
	bucketMeta      = []byte("meta")      // schema bookkeeping
)

var (
	// ErrNotFound is returned when no bot matches the given key.
	ErrNotFound = errors.New("bot not found")
	// ErrDuplicateHostname is returned on a hostname uniqueness violation.
	ErrDuplicateHostname = errors.New("hostname already in use")
	// ErrPortsExhausted is returned when the allocator finds no free port.
	ErrPortsExhausted = errors.New("no free port available")
)

// Status is a bot's declared lifecycle state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting" // reporting overlay, never persisted
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Bot is the declarative record for one managed worker.
type Bot struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Name         string    `json:"name"`
	AIProvider   string    `json:"ai_provider"`
	Model        string    `json:"model"`
	ChannelType  string    `json:"channel_type"`
	ContainerID  string    `json:"container_id,omitempty"`
	Port         int       `json:"port,omitempty"`
	GatewayToken string    `json:"gateway_token"`
	Tags         []string  `json:"tags,omitempty"`
	Status       Status    `json:"status"`
	ImageVersion string    `json:"image_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store wraps a BoltDB database for bot metadata.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path, ensures buckets exist and
// applies any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBot inserts a new bot row and claims its port, atomically. The
// hostname index and port index are updated in the same transaction, so a
// crash can never leave a claimed port without a row.
func (s *Store) CreateBot(b *Bot) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		hosts := tx.Bucket(bucketHostnames)
		if hosts.Get([]byte(b.Hostname)) != nil {
			return ErrDuplicateHostname
		}

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal bot: %w", err)
		}
		if err := tx.Bucket(bucketBots).Put([]byte(b.ID), data); err != nil {
			return err
		}
		if err := hosts.Put([]byte(b.Hostname), []byte(b.ID)); err != nil {
			return err
		}
		if b.Port != 0 {
			if err := tx.Bucket(bucketPorts).Put(portKey(b.Port), []byte(b.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBot returns the bot with the given id.
func (s *Store) GetBot(id string) (*Bot, error) {
	var b *Bot
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBots).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		b = new(Bot)
		return json.Unmarshal(v, b)
	})
	return b, err
}

// GetBotByHostname returns the bot with the given hostname.
func (s *Store) GetBotByHostname(hostname string) (*Bot, error) {
	var b *Bot
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketHostnames).Get([]byte(hostname))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketBots).Get(id)
		if v == nil {
			return ErrNotFound
		}
		b = new(Bot)
		return json.Unmarshal(v, b)
	})
	return b, err
}

// ListBots returns all bot rows.
func (s *Store) ListBots() ([]*Bot, error) {
	var bots []*Bot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBots).ForEach(func(_, v []byte) error {
			b := new(Bot)
			if err := json.Unmarshal(v, b); err != nil {
				return err
			}
			bots = append(bots, b)
			return nil
		})
	})
	return bots, err
}

// UpdateStatus sets a bot's status, and optionally its container id, in a
// single transaction. Pass containerID == nil to leave it unchanged; a
// pointer to the empty string clears it.
func (s *Store) UpdateStatus(id string, status Status, containerID *string) error {
	return s.mutate(id, func(b *Bot) {
		b.Status = status
		if containerID != nil {
			b.ContainerID = *containerID
		}
	})
}

// SetContainer records the container id and image version from a create.
func (s *Store) SetContainer(id, containerID, imageVersion string) error {
	return s.mutate(id, func(b *Bot) {
		b.ContainerID = containerID
		b.ImageVersion = imageVersion
	})
}

// mutate applies fn to the stored row inside one transaction.
func (s *Store) mutate(id string, fn func(*Bot)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bots := tx.Bucket(bucketBots)
		v := bots.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		b := new(Bot)
		if err := json.Unmarshal(v, b); err != nil {
			return err
		}
		fn(b)
		b.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return bots.Put([]byte(id), data)
	})
}

// DeleteBot removes the bot row and releases its port and hostname in one
// transaction. Deleting a missing bot returns ErrNotFound.
func (s *Store) DeleteBot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bots := tx.Bucket(bucketBots)
		v := bots.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		b := new(Bot)
		if err := json.Unmarshal(v, b); err != nil {
			return err
		}
		if err := bots.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHostnames).Delete([]byte(b.Hostname)); err != nil {
			return err
		}
		if b.Port != 0 {
			if err := tx.Bucket(bucketPorts).Delete(portKey(b.Port)); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextPort returns the smallest port >= start not present in the port
// index. Deleted bots release their ports, so gaps are reused.
func (s *Store) NextPort(start int) (int, error) {
	var port int
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPorts).Cursor()
		candidate := start
		for k, _ := c.Seek(portKey(start)); k != nil; k, _ = c.Next() {
			p := int(binary.BigEndian.Uint32(k))
			if p > candidate {
				break
			}
			candidate = p + 1
		}
		if candidate > 65535 {
			return ErrPortsExhausted
		}
		port = candidate
		return nil
	})
	return port, err
}

func portKey(port int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(port))
	return k
}
