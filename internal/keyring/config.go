package keyring

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the keyring process configuration from environment
// variables. MASTER_KEY and ADMIN_TOKEN accept *_FILE variants.
type Config struct {
	AdminPort  string
	DataPort   string
	DBPath     string
	MasterKey  []byte
	AdminToken string
	LogJSON    bool
}

// LoadConfig reads keyring configuration from the environment.
func LoadConfig() (*Config, error) {
	rawKey, err := envSecret("MASTER_KEY")
	if err != nil {
		return nil, err
	}
	if rawKey == "" {
		return nil, errors.New("MASTER_KEY is required (32 bytes or 64 hex chars)")
	}
	masterKey, err := ParseMasterKey(rawKey)
	if err != nil {
		return nil, err
	}

	adminToken, err := envSecret("ADMIN_TOKEN")
	if err != nil {
		return nil, err
	}
	if adminToken == "" {
		return nil, errors.New("ADMIN_TOKEN is required")
	}

	return &Config{
		AdminPort:  envStr("ADMIN_PORT", "9100"),
		DataPort:   envStr("DATA_PORT", "9101"),
		DBPath:     envStr("KEYRING_DB_PATH", "/data/keyring.db"),
		MasterKey:  masterKey,
		AdminToken: adminToken,
		LogJSON:    envBool("LOG_JSON", true),
	}, nil
}

func envSecret(key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	path := os.Getenv(key + "_FILE")
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s_FILE: %w", key, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
