package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all control-plane configuration. Values come from environment
// variables with defaults; an optional YAML file named by BOTMAKER_CONFIG is
// applied first and env vars override it. Secret-bearing settings accept a
// *_FILE variant pointing at a file whose contents become the value.
type Config struct {
	// HTTP
	Port string
	Host string

	// Storage
	DataDir    string
	SecretsDir string

	// Named-volume discovery: when the control plane itself runs in a
	// container, bind-mount sources must be host paths resolved from these
	// volume names rather than the manager's own mount points.
	DataVolumeName    string
	SecretsVolumeName string

	// Docker connection
	DockerSock string

	// Worker containers
	OpenclawImage string
	BotPortStart  int
	BotNetwork    string

	// Keyring
	ProxyURL        string // data-plane base URL handed to workers
	ProxyAdminURL   string
	ProxyAdminToken string

	// Authentication
	AdminPassword string
	SessionExpiry time.Duration

	// Logging and observability
	LogJSON        bool
	MetricsEnabled bool

	// Reconciliation
	ReconcileSchedule string // cron expression; empty disables the schedule
}

// fileConfig mirrors Config for the optional YAML overlay.
type fileConfig struct {
	Port              string `yaml:"port"`
	Host              string `yaml:"host"`
	DataDir           string `yaml:"data_dir"`
	SecretsDir        string `yaml:"secrets_dir"`
	DataVolumeName    string `yaml:"data_volume_name"`
	SecretsVolumeName string `yaml:"secrets_volume_name"`
	DockerSock        string `yaml:"docker_sock"`
	OpenclawImage     string `yaml:"openclaw_image"`
	BotPortStart      int    `yaml:"bot_port_start"`
	BotNetwork        string `yaml:"bot_network"`
	ProxyURL          string `yaml:"proxy_url"`
	ProxyAdminURL     string `yaml:"proxy_admin_url"`
	ReconcileSchedule string `yaml:"reconcile_schedule"`
}

// Load reads configuration from the YAML overlay (if any) and environment.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("BOTMAKER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	adminPassword, err := envSecret("ADMIN_PASSWORD")
	if err != nil {
		return nil, err
	}
	proxyAdminToken, err := envSecret("PROXY_ADMIN_TOKEN")
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:              envStr("PORT", or(fc.Port, "7100")),
		Host:              envStr("HOST", or(fc.Host, "0.0.0.0")),
		DataDir:           envStr("DATA_DIR", or(fc.DataDir, "/data")),
		SecretsDir:        envStr("SECRETS_DIR", or(fc.SecretsDir, "/secrets")),
		DataVolumeName:    envStr("DATA_VOLUME_NAME", fc.DataVolumeName),
		SecretsVolumeName: envStr("SECRETS_VOLUME_NAME", fc.SecretsVolumeName),
		DockerSock:        envStr("DOCKER_SOCK", or(fc.DockerSock, "/var/run/docker.sock")),
		OpenclawImage:     envStr("OPENCLAW_IMAGE", or(fc.OpenclawImage, "openclaw/openclaw:latest")),
		BotPortStart:      envInt("BOT_PORT_START", orInt(fc.BotPortStart, 19000)),
		BotNetwork:        envStr("BOT_NETWORK", fc.BotNetwork),
		ProxyURL:          envStr("PROXY_URL", fc.ProxyURL),
		ProxyAdminURL:     envStr("PROXY_ADMIN_URL", fc.ProxyAdminURL),
		ProxyAdminToken:   proxyAdminToken,
		AdminPassword:     adminPassword,
		SessionExpiry:     time.Duration(envInt("SESSION_EXPIRY_MS", 86_400_000)) * time.Millisecond,
		LogJSON:           envBool("LOG_JSON", true),
		MetricsEnabled:    envBool("BOTMAKER_METRICS", false),
		ReconcileSchedule: envStr("BOTMAKER_RECONCILE_SCHEDULE", fc.ReconcileSchedule),
	}, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.AdminPassword == "" {
		errs = append(errs, fmt.Errorf("ADMIN_PASSWORD is required"))
	} else if len(c.AdminPassword) < 12 && !isBcryptHash(c.AdminPassword) {
		errs = append(errs, fmt.Errorf("ADMIN_PASSWORD must be at least 12 characters"))
	}
	if c.BotPortStart <= 0 || c.BotPortStart > 65535 {
		errs = append(errs, fmt.Errorf("BOT_PORT_START must be in (0, 65535], got %d", c.BotPortStart))
	}
	if c.SessionExpiry <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_EXPIRY_MS must be > 0, got %s", c.SessionExpiry))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("DATA_DIR must not be empty"))
	}
	if c.SecretsDir == "" {
		errs = append(errs, fmt.Errorf("SECRETS_DIR must not be empty"))
	}
	if (c.ProxyAdminURL == "") != (c.ProxyAdminToken == "") {
		errs = append(errs, fmt.Errorf("PROXY_ADMIN_URL and PROXY_ADMIN_TOKEN must both be set or both empty"))
	}
	return errors.Join(errs...)
}

// KeyringConfigured reports whether bots should be registered with a keyring.
func (c *Config) KeyringConfigured() bool {
	return c.ProxyAdminURL != ""
}

// Values returns non-secret configuration as a string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"PORT":                        c.Port,
		"HOST":                        c.Host,
		"DATA_DIR":                    c.DataDir,
		"SECRETS_DIR":                 c.SecretsDir,
		"DATA_VOLUME_NAME":            c.DataVolumeName,
		"SECRETS_VOLUME_NAME":         c.SecretsVolumeName,
		"DOCKER_SOCK":                 c.DockerSock,
		"OPENCLAW_IMAGE":              c.OpenclawImage,
		"BOT_PORT_START":              strconv.Itoa(c.BotPortStart),
		"BOT_NETWORK":                 c.BotNetwork,
		"PROXY_URL":                   c.ProxyURL,
		"PROXY_ADMIN_URL":             c.ProxyAdminURL,
		"PROXY_ADMIN_TOKEN":           redact(c.ProxyAdminToken),
		"ADMIN_PASSWORD":              redact(c.AdminPassword),
		"SESSION_EXPIRY_MS":           strconv.FormatInt(c.SessionExpiry.Milliseconds(), 10),
		"LOG_JSON":                    strconv.FormatBool(c.LogJSON),
		"BOTMAKER_METRICS":            strconv.FormatBool(c.MetricsEnabled),
		"BOTMAKER_RECONCILE_SCHEDULE": c.ReconcileSchedule,
	}
}

// isBcryptHash reports whether the configured password is a bcrypt hash
// rather than a plaintext password. Hashes are exempt from the length floor.
func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// envSecret reads KEY, falling back to the contents of the file named by
// KEY_FILE. The file value is trimmed of trailing whitespace.
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

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func redact(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}
