package keyring

import (
	"errors"
	"path/filepath"
	"testing"
)

func testKeyringStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keyring.db"), testMasterKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddKeyRoundTrip(t *testing.T) {
	s := testKeyringStore(t)

	id, err := s.AddKey("openai", "sk-plaintext", "main", "prod")
	if err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	k, err := s.GetKey(id)
	if err != nil {
		t.Fatal(err)
	}
	if k.Vendor != "openai" || k.Label != "main" || k.Tag != "prod" {
		t.Errorf("got %+v", k)
	}
	// Ciphertext is not the plaintext.
	if string(k.SecretEncrypted) == "sk-plaintext" {
		t.Error("secret stored in the clear")
	}
	secret, err := s.Plaintext(k)
	if err != nil || secret != "sk-plaintext" {
		t.Errorf("Plaintext = %q, %v", secret, err)
	}
}

func TestListKeysOmitsCiphertext(t *testing.T) {
	s := testKeyringStore(t)

	if _, err := s.AddKey("openai", "sk-1", "", ""); err != nil {
		t.Fatal(err)
	}
	infos, err := s.ListKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Vendor != "openai" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestKeyQueries(t *testing.T) {
	s := testKeyringStore(t)

	mustAdd := func(vendor, secret, tag string) {
		t.Helper()
		if _, err := s.AddKey(vendor, secret, "", tag); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd("openai", "alpha", "prod")
	mustAdd("openai", "beta", "dev")
	mustAdd("openai", "gamma", "")
	mustAdd("anthropic", "delta", "")

	byVendor, err := s.GetKeysByVendor("openai")
	if err != nil || len(byVendor) != 3 {
		t.Errorf("by vendor: %d keys, %v", len(byVendor), err)
	}
	byTag, err := s.GetKeysByVendorAndTag("openai", "prod")
	if err != nil || len(byTag) != 1 {
		t.Errorf("by tag: %d keys, %v", len(byTag), err)
	}
	defaults, err := s.GetDefaultKeysForVendor("openai")
	if err != nil || len(defaults) != 1 {
		t.Errorf("defaults: %d keys, %v", len(defaults), err)
	}
	if secret, _ := s.Plaintext(defaults[0]); secret != "gamma" {
		t.Errorf("default key = %q, want gamma", secret)
	}
}

func TestDeleteKey(t *testing.T) {
	s := testKeyringStore(t)

	id, _ := s.AddKey("openai", "sk-1", "", "")
	if err := s.DeleteKey(id); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteKey(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRegisterBotRoundTrip(t *testing.T) {
	s := testKeyringStore(t)

	token, err := s.RegisterBot("bot-1", "my-bot", []string{"prod", "dev"})
	if err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d", len(token))
	}

	rec, err := s.GetBotByTokenHash(HashToken(token))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "bot-1" || rec.Hostname != "my-bot" || len(rec.Tags) != 2 {
		t.Errorf("got %+v", rec)
	}

	// The plaintext token is not stored anywhere.
	if _, err := s.GetBotByTokenHash(token); !errors.Is(err, ErrNotFound) {
		t.Error("plaintext token resolves — it must not be stored")
	}
}

func TestRegisterBotDuplicate(t *testing.T) {
	s := testKeyringStore(t)

	if _, err := s.RegisterBot("bot-1", "a", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterBot("bot-1", "b", nil); !errors.Is(err, ErrDuplicateBot) {
		t.Errorf("got %v, want ErrDuplicateBot", err)
	}
}

func TestDeleteBotInvalidatesToken(t *testing.T) {
	s := testKeyringStore(t)

	token, _ := s.RegisterBot("bot-1", "my-bot", nil)
	if err := s.DeleteBot("bot-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBotByTokenHash(HashToken(token)); !errors.Is(err, ErrNotFound) {
		t.Error("token still resolves after bot deletion")
	}
	if err := s.DeleteBot("bot-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUsageLogAppendOnly(t *testing.T) {
	s := testKeyringStore(t)

	for i := 0; i < 3; i++ {
		if err := s.AppendUsage(UsageEntry{BotID: "bot-1", Vendor: "openai", StatusCode: 200}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.ListUsage(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("usage rows = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			t.Error("usage row missing timestamp")
		}
	}
}

func TestCounts(t *testing.T) {
	s := testKeyringStore(t)

	_, _ = s.AddKey("openai", "sk", "", "")
	_, _ = s.RegisterBot("bot-1", "a", nil)
	_, _ = s.RegisterBot("bot-2", "b", nil)

	keys, bots, err := s.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if keys != 1 || bots != 2 {
		t.Errorf("counts = %d keys, %d bots", keys, bots)
	}
}
