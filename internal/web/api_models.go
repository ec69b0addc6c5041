package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	discoverTimeout = 5 * time.Second
	discoverBodyCap = 1 << 20 // 1 MiB
)

// errSSRF marks a URL rejected by the private-address gate.
var errSSRF = errors.New("target address is not allowed")

// discoverAllowlist names hosts an operator may legitimately probe even
// though they resolve locally, e.g. a local inference daemon.
var discoverAllowlist = map[string]bool{
	"localhost":            true,
	"127.0.0.1":            true,
	"host.docker.internal": true,
}

// apiDiscoverModels fetches /models from an operator-supplied base URL and
// returns the model ids. The worker process can sit behind private
// networks, so the URL is gated against every private and link-local range
// before any connection is made.
func (s *Server) apiDiscoverModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseURL string `json:"baseUrl"`
		APIKey  string `json:"apiKey,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, err := validateDiscoverURL(req.BaseURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	models, err := fetchModels(r.Context(), target, req.APIKey)
	if err != nil {
		// Unreachable targets are an empty result, not an error: the
		// operator may be probing for a daemon that isn't up yet.
		s.deps.Log.Debug("model discovery fetch failed", "url", target, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"models": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// validateDiscoverURL applies the SSRF gate and returns the /models URL.
func validateDiscoverURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "", errors.New("baseUrl must be a valid absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("baseUrl must use http or https")
	}

	host := strings.ToLower(u.Hostname())
	if !discoverAllowlist[host] {
		if err := checkPublicHost(host); err != nil {
			return "", err
		}
	}
	return strings.TrimRight(u.String(), "/") + "/models", nil
}

// checkPublicHost rejects hostnames that are, or resolve to, private,
// loopback, link-local or otherwise non-routable addresses.
func checkPublicHost(host string) error {
	if host == "" || host == "0.0.0.0" {
		return errSSRF
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errSSRF
	}

	var addrs []net.IP
	if ip := net.ParseIP(host); ip != nil {
		addrs = []net.IP{ip}
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return errors.New("hostname does not resolve")
		}
		addrs = resolved
	}

	for _, ip := range addrs {
		if isPrivateAddr(ip) {
			return errSSRF
		}
	}
	return nil
}

// isPrivateAddr covers the documented private set: RFC1918, CGNAT,
// loopback, link-local, ULA, unspecified, and IPv4-mapped forms thereof.
func isPrivateAddr(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		inCIDR(ip, "100.64.0.0/10") || // CGNAT
		inCIDR(ip, "fc00::/7") // IPv6 ULA
}

func inCIDR(ip net.IP, cidr string) bool {
	_, block, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return block.Contains(ip)
}

// fetchModels performs the outbound request with a hard timeout and a
// capped response body, parsing the OpenAI-style {data:[{id}]} shape.
func fetchModels(ctx context.Context, target, apiKey string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errors.New(resp.Status)
	}

	// LimitReader cancels the read once the cap is hit; a larger body is
	// simply truncated and fails to parse.
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, discoverBodyCap)).Decode(&payload); err != nil {
		return nil, err
	}

	models := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	return models, nil
}
