package keyring

import (
	"fmt"
	"sync"
)

// Selection is the outcome of one key pick: the key's id for the usage
// log, and the decrypted secret for the proxy transport. The secret is
// consumed immediately and never retained.
type Selection struct {
	KeyID  string
	Secret string
}

// Selector picks a credential for (vendor, botTags) with tag-routed
// round-robin. Counters are in-memory only and reset on restart — a
// deliberate simplification: over any window spanning one full rotation,
// each eligible key is used exactly once.
type Selector struct {
	store *Store

	mu       sync.Mutex
	counters map[string]int
}

// NewSelector creates a Selector over the store.
func NewSelector(store *Store) *Selector {
	return &Selector{store: store, counters: make(map[string]int)}
}

// Select applies the documented fallback order:
//  1. each bot tag in order, first tag with any matching keys wins;
//  2. the vendor's untagged (default) keys;
//  3. any key for the vendor;
//  4. nil when the vendor has no keys at all.
func (s *Selector) Select(vendor string, botTags []string) (*Selection, error) {
	for _, tag := range botTags {
		keys, err := s.store.GetKeysByVendorAndTag(vendor, tag)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			return s.pick(fmt.Sprintf("%s:%s", vendor, tag), keys)
		}
	}

	keys, err := s.store.GetDefaultKeysForVendor(vendor)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		return s.pick(vendor+":default", keys)
	}

	keys, err = s.store.GetKeysByVendor(vendor)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		return s.pick(vendor, keys)
	}
	return nil, nil
}

// pick rotates through the eligible set. The counter is keyed by the
// selection pool, not the key set, so adding or deleting keys does not
// reset rotation.
func (s *Selector) pick(counterKey string, keys []*ProviderKey) (*Selection, error) {
	s.mu.Lock()
	n := s.counters[counterKey]
	s.counters[counterKey] = n + 1
	s.mu.Unlock()

	k := keys[n%len(keys)]
	secret, err := s.store.Plaintext(k)
	if err != nil {
		// Never expose decryption detail; the proxy maps this to a 502.
		return nil, fmt.Errorf("key %s: %w", k.ID, ErrAuthFailed)
	}
	return &Selection{KeyID: k.ID, Secret: secret}, nil
}
