// Package workspace materializes the on-disk configuration tree a worker
// container mounts at /app/botdata: the openclaw.json wiring manifest, the
// persona files the worker is free to evolve, and the runtime directories
// its uid must be able to write.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/truongan5/botmaker/internal/providers"
	"github.com/truongan5/botmaker/internal/secrets"
)

// workerUID is the uid the worker image runs as. Directory modes are
// relaxed so this uid can write without the manager knowing its gid.
const workerUID = 1000

// Spec carries everything the templater needs to render one workspace.
type Spec struct {
	BotID        string
	Hostname     string
	Name         string
	Provider     string
	Model        string
	Port         int
	GatewayToken string

	// Persona
	PersonaName string
	SoulMD      string

	// Features
	Commands     bool
	TTS          bool
	TTSVoice     string
	Sandbox      bool
	SandboxTime  int
	SessionScope string

	// Keyring wiring. When ProxyURL is non-empty the manifest routes the
	// worker's LLM calls through the keyring with ProxyToken as bearer.
	ProxyURL   string
	ProxyToken string
}

// manifest is the shape of openclaw.json. The control plane owns this file
// and overwrites it on every render.
type manifest struct {
	Name    string          `json:"name"`
	Model   string          `json:"model"`
	Gateway gatewaySection  `json:"gateway"`
	Models  *modelsSection  `json:"models,omitempty"`
	Features featureSection `json:"features"`
}

type gatewaySection struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

type modelsSection struct {
	Providers map[string]providerEntry `json:"providers"`
}

type providerEntry struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	API     string `json:"api"`
}

type featureSection struct {
	Commands       bool   `json:"commands"`
	TTS            bool   `json:"tts"`
	TTSVoice       string `json:"ttsVoice,omitempty"`
	Sandbox        bool   `json:"sandbox"`
	SandboxTimeout int    `json:"sandboxTimeout,omitempty"`
	SessionScope   string `json:"sessionScope"`
}

// Templater renders per-bot workspaces under <dataDir>/bots.
type Templater struct {
	botsDir string
}

// New creates a Templater rooted at dataDir.
func New(dataDir string) (*Templater, error) {
	botsDir := filepath.Join(dataDir, "bots")
	if err := os.MkdirAll(botsDir, 0755); err != nil {
		return nil, fmt.Errorf("create bots dir: %w", err)
	}
	return &Templater{botsDir: botsDir}, nil
}

// BotsDir returns the root of all bot workspaces.
func (t *Templater) BotsDir() string {
	return t.botsDir
}

// Dir returns the workspace directory for a hostname, validating it first.
func (t *Templater) Dir(hostname string) (string, error) {
	if !secrets.ValidHostname(hostname) {
		return "", fmt.Errorf("invalid hostname %q", hostname)
	}
	return filepath.Join(t.botsDir, hostname), nil
}

// Render materializes the workspace tree. The manifest is authoritatively
// overwritten; persona files are created only if absent so a worker that
// has rewritten its own identity keeps it across re-renders.
func (t *Templater) Render(spec Spec) error {
	dir, err := t.Dir(spec.Hostname)
	if err != nil {
		return err
	}

	for _, sub := range []string{
		"workspace",
		filepath.Join("agents", "main", "agent"),
		filepath.Join("agents", "main", "sessions"),
		"sandbox",
	} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	// The worker runs with its own uid; relax modes so it can write.
	for _, sub := range []string{"", "workspace", "agents", filepath.Join("agents", "main"), filepath.Join("agents", "main", "agent"), filepath.Join("agents", "main", "sessions"), "sandbox"} {
		p := filepath.Join(dir, sub)
		if err := os.Chmod(p, 0777); err != nil {
			return fmt.Errorf("chmod %s: %w", sub, err)
		}
		_ = os.Chown(p, workerUID, workerUID) // best effort; fails when not root
	}

	m := buildManifest(spec)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "openclaw.json"), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := writeIfAbsent(filepath.Join(dir, "workspace", "SOUL.md"), spec.SoulMD); err != nil {
		return err
	}
	identity := fmt.Sprintf("# %s\n\nYou are %s.\n", spec.PersonaName, spec.PersonaName)
	if err := writeIfAbsent(filepath.Join(dir, "workspace", "IDENTITY.md"), identity); err != nil {
		return err
	}
	return nil
}

// buildManifest encodes the provider wiring. Without a proxy the model is
// addressed as <provider>/<model> and the worker's built-in provider
// defaults apply. With a proxy, a distinct <provider>-proxy provider entry
// carries the keyring's base URL and bearer; the -proxy suffix prevents
// merging with any built-in default that hardcodes a base URL.
func buildManifest(spec Spec) manifest {
	m := manifest{
		Name:    spec.Name,
		Model:   spec.Provider + "/" + spec.Model,
		Gateway: gatewaySection{Port: spec.Port, Token: spec.GatewayToken},
		Features: featureSection{
			Commands:       spec.Commands,
			TTS:            spec.TTS,
			TTSVoice:       spec.TTSVoice,
			Sandbox:        spec.Sandbox,
			SandboxTimeout: spec.SandboxTime,
			SessionScope:   spec.SessionScope,
		},
	}
	if spec.ProxyURL != "" {
		proxyProvider := spec.Provider + "-proxy"
		m.Model = proxyProvider + "/" + spec.Model
		m.Models = &modelsSection{
			Providers: map[string]providerEntry{
				proxyProvider: {
					BaseURL: spec.ProxyURL + "/" + spec.Provider,
					APIKey:  spec.ProxyToken,
					API:     string(providers.Family(spec.Provider)),
				},
			},
		}
	}
	return m
}

// Delete removes a bot's workspace tree. Missing is not an error.
func (t *Templater) Delete(hostname string) error {
	dir, err := t.Dir(hostname)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

// List returns hostnames that currently have a workspace directory.
func (t *Templater) List() ([]string, error) {
	entries, err := os.ReadDir(t.botsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list bots dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && secrets.ValidHostname(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func writeIfAbsent(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0666); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
