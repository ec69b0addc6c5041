// Package providers is the single source of truth for the AI provider,
// channel and upstream-vendor catalogues. Both the control plane and the
// keyring consume it, so the validated provider set and the proxy's vendor
// table can never drift apart.
package providers

import "fmt"

// APIFamily identifies the wire protocol a provider speaks.
type APIFamily string

const (
	APIOpenAIResponses    APIFamily = "openai-responses"
	APIAnthropicMessages  APIFamily = "anthropic-messages"
	APIGoogleGenerativeAI APIFamily = "google-generative-ai"
	APIOpenAICompletions  APIFamily = "openai-completions"
)

// Vendor describes one upstream LLM vendor as the keyring proxy sees it.
type Vendor struct {
	Name     string
	Host     string
	Port     int    // 0 means 443
	BasePath string // prefix prepended to the forwarded path

	// AuthHeader and AuthFormat describe how the real credential is
	// injected. AuthFormat receives the plaintext secret.
	AuthHeader string
	AuthFormat func(secret string) string

	// ForceNonStreaming strips stream:true from outgoing JSON bodies and
	// re-frames the response as SSE client-side. Used for local daemons
	// that mishandle streaming.
	ForceNonStreaming bool

	// NoAuth skips credential selection entirely (local daemons).
	NoAuth bool
}

func bearer(secret string) string { return "Bearer " + secret }

// vendors maps vendor name to its upstream configuration. One row per
// provider the proxy can front.
var vendors = map[string]Vendor{
	"openai": {
		Name: "openai", Host: "api.openai.com", BasePath: "/v1",
		AuthHeader: "Authorization", AuthFormat: bearer,
	},
	"anthropic": {
		Name: "anthropic", Host: "api.anthropic.com", BasePath: "/v1",
		AuthHeader: "x-api-key", AuthFormat: func(s string) string { return s },
	},
	"google": {
		Name: "google", Host: "generativelanguage.googleapis.com", BasePath: "/v1beta",
		AuthHeader: "x-goog-api-key", AuthFormat: func(s string) string { return s },
	},
	"mistral": {
		Name: "mistral", Host: "api.mistral.ai", BasePath: "/v1",
		AuthHeader: "Authorization", AuthFormat: bearer,
	},
	"deepseek": {
		Name: "deepseek", Host: "api.deepseek.com", BasePath: "/v1",
		AuthHeader: "Authorization", AuthFormat: bearer,
	},
	"groq": {
		Name: "groq", Host: "api.groq.com", BasePath: "/openai/v1",
		AuthHeader: "Authorization", AuthFormat: bearer,
	},
	"xai": {
		Name: "xai", Host: "api.x.ai", BasePath: "/v1",
		AuthHeader: "Authorization", AuthFormat: bearer,
	},
	"openrouter": {
		Name: "openrouter", Host: "openrouter.ai", BasePath: "/api/v1",
		AuthHeader: "Authorization", AuthFormat: bearer,
	},
	"ollama": {
		Name: "ollama", Host: "host.docker.internal", Port: 11434, BasePath: "/v1",
		NoAuth: true, ForceNonStreaming: true,
	},
	"lmstudio": {
		Name: "lmstudio", Host: "host.docker.internal", Port: 1234, BasePath: "/v1",
		NoAuth: true, ForceNonStreaming: true,
	},
}

// apiFamilies maps providers to the API family their worker config must
// declare. Providers not listed fall back to OpenAI-compatible completions.
var apiFamilies = map[string]APIFamily{
	"openai":    APIOpenAIResponses,
	"anthropic": APIAnthropicMessages,
	"google":    APIGoogleGenerativeAI,
}

// channels is the set of chat channels a bot can be wired to. The secret
// file name for a channel token is derived from the channel type.
var channels = map[string]bool{
	"telegram": true,
	"discord":  true,
	"slack":    true,
	"whatsapp": true,
}

// KnownProvider reports whether name is a provisionable AI provider.
func KnownProvider(name string) bool {
	_, ok := vendors[name]
	return ok
}

// KnownChannel reports whether name is a supported chat channel.
func KnownChannel(name string) bool {
	return channels[name]
}

// VendorConfig returns the proxy vendor table entry for name.
func VendorConfig(name string) (Vendor, bool) {
	v, ok := vendors[name]
	return v, ok
}

// VendorNames returns all configured vendor names.
func VendorNames() []string {
	names := make([]string, 0, len(vendors))
	for n := range vendors {
		names = append(names, n)
	}
	return names
}

// Family returns the API family for a provider, defaulting to
// OpenAI-compatible completions for anything unlisted.
func Family(provider string) APIFamily {
	if f, ok := apiFamilies[provider]; ok {
		return f
	}
	return APIOpenAICompletions
}

// UpstreamAddr returns the host:port the proxy dials for a vendor.
func (v Vendor) UpstreamAddr() string {
	if v.Port == 0 {
		return v.Host + ":443"
	}
	return fmt.Sprintf("%s:%d", v.Host, v.Port)
}

// UpstreamScheme returns https for the default port, http otherwise.
// Local daemons (explicit port) don't terminate TLS.
func (v Vendor) UpstreamScheme() string {
	if v.Port == 0 {
		return "https"
	}
	return "http"
}

// VendorTable returns a copy of the vendor configuration map, registered
// into the proxy at startup.
func VendorTable() map[string]Vendor {
	table := make(map[string]Vendor, len(vendors))
	for name, v := range vendors {
		table[name] = v
	}
	return table
}
