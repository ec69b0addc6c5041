package bot

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/truongan5/botmaker/internal/providers"
)

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9 _.-]{1,128}$`)
	modelRe = regexp.MustCompile(`^[A-Za-z0-9 _./:-]{1,128}$`)
	tagRe   = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

	hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)
)

// ProviderRef selects one provider+model pair for a bot.
type ProviderRef struct {
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
}

// ChannelRef wires one chat channel, carrying its access token.
type ChannelRef struct {
	ChannelType string `json:"channelType"`
	Token       string `json:"token"`
}

// Persona is the initial identity written into the workspace.
type Persona struct {
	Name         string `json:"name"`
	SoulMarkdown string `json:"soulMarkdown"`
}

// Features toggles worker capabilities.
type Features struct {
	Commands       bool   `json:"commands"`
	TTS            bool   `json:"tts"`
	TTSVoice       string `json:"ttsVoice,omitempty"`
	Sandbox        bool   `json:"sandbox"`
	SandboxTimeout int    `json:"sandboxTimeout,omitempty"`
	SessionScope   string `json:"sessionScope"`
}

// CreateRequest is the full input for provisioning one bot.
type CreateRequest struct {
	Name            string        `json:"name"`
	Hostname        string        `json:"hostname"`
	Emoji           string        `json:"emoji,omitempty"`
	Providers       []ProviderRef `json:"providers"`
	PrimaryProvider string        `json:"primaryProvider,omitempty"`
	Channels        []ChannelRef  `json:"channels"`
	Persona         Persona       `json:"persona"`
	Features        Features      `json:"features"`
	Tags            []string      `json:"tags,omitempty"`
}

// ValidationError describes rejected input; it surfaces as HTTP 400.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// primary resolves the bot's main provider: the explicitly named one when
// present in the list, else the first entry.
func (r *CreateRequest) primary() ProviderRef {
	if r.PrimaryProvider != "" {
		for _, p := range r.Providers {
			if p.ProviderID == r.PrimaryProvider {
				return p
			}
		}
	}
	return r.Providers[0]
}

// validate checks every field of a create request before any resource is
// touched.
func (r *CreateRequest) validate() error {
	if !nameRe.MatchString(r.Name) {
		return invalid("name must be 1-128 characters of letters, digits, space, underscore, dot or dash")
	}
	if !hostnameRe.MatchString(r.Hostname) {
		return invalid("hostname must be a lowercase DNS label (1-64 of a-z, 0-9, dash)")
	}
	if len(r.Providers) == 0 {
		return invalid("at least one provider is required")
	}
	if len(r.Channels) == 0 {
		return invalid("at least one channel is required")
	}
	for _, p := range r.Providers {
		if !providers.KnownProvider(p.ProviderID) {
			return invalid("unknown provider %q", p.ProviderID)
		}
		if strings.Contains(p.Model, "..") || !modelRe.MatchString(p.Model) {
			return invalid("invalid model %q for provider %q", p.Model, p.ProviderID)
		}
	}
	if r.PrimaryProvider != "" {
		found := false
		for _, p := range r.Providers {
			if p.ProviderID == r.PrimaryProvider {
				found = true
				break
			}
		}
		if !found {
			return invalid("primaryProvider %q is not in the providers list", r.PrimaryProvider)
		}
	}
	for _, c := range r.Channels {
		if !providers.KnownChannel(c.ChannelType) {
			return invalid("unknown channel %q", c.ChannelType)
		}
		if c.Token == "" {
			return invalid("channel %q is missing its token", c.ChannelType)
		}
	}
	switch r.Features.SessionScope {
	case "user", "channel", "global":
	default:
		return invalid("sessionScope must be user, channel or global")
	}
	seen := make(map[string]bool, len(r.Tags))
	for _, tag := range r.Tags {
		if !tagRe.MatchString(tag) {
			return invalid("invalid tag %q: lowercase letters, digits and dash only", tag)
		}
		if seen[tag] {
			return invalid("duplicate tag %q", tag)
		}
		seen[tag] = true
	}
	return nil
}

// secretNameForChannel derives the vault file name for a channel token.
func secretNameForChannel(channelType string) string {
	return strings.ToUpper(channelType) + "_TOKEN"
}
