package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/truongan5/botmaker/internal/metrics"
	"github.com/truongan5/botmaker/internal/providers"
)

// proxyTimeout bounds the whole upstream exchange, headers through last
// byte. Individual chunks do not reset it.
const proxyTimeout = 120 * time.Second

// requestBodyCap bounds buffered request bodies (forceNonStreaming only).
const requestBodyCap = 10 << 20

// hopHeaders are stripped in both directions; the proxy speaks its own
// connection semantics.
var hopHeaders = []string{
	"Host", "Connection", "Transfer-Encoding", "Content-Length",
	"Authorization", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Upgrade",
}

// Proxy is the bearer-authenticated data plane: it rewrites worker
// requests with real credentials and streams the upstream response back.
type Proxy struct {
	store    *Store
	selector *Selector
	vendors  map[string]providers.Vendor
	log      *slog.Logger

	// client is shared; per-request deadlines come from context.
	client *http.Client
}

// NewProxy creates the data-plane handler over a vendor table registered
// at startup.
func NewProxy(store *Store, selector *Selector, vendors map[string]providers.Vendor, log *slog.Logger) *Proxy {
	return &Proxy{
		store:    store,
		selector: selector,
		vendors:  vendors,
		log:      log,
		client: &http.Client{
			// Disable following redirects; the worker sees them verbatim.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP handles one proxied call: /<vendor>/<upstream path>.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bot := p.authenticate(r)
	if bot == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}

	vendorName, remainder := splitVendorPath(r.URL.Path)
	vendor, ok := p.vendors[vendorName]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown vendor")
		return
	}

	var sel *Selection
	if !vendor.NoAuth {
		var err error
		sel, err = p.selector.Select(vendorName, bot.Tags)
		if err != nil {
			// Decryption failures stay opaque to the caller.
			p.log.Warn("key selection failed", "vendor", vendorName, "bot", bot.Hostname, "error", err)
			p.logUsage(bot.ID, vendorName, "", http.StatusBadGateway)
			writeJSONError(w, http.StatusBadGateway, "no usable credential")
			return
		}
		if sel == nil {
			p.logUsage(bot.ID, vendorName, "", http.StatusBadGateway)
			writeJSONError(w, http.StatusBadGateway, "no credential available for vendor")
			return
		}
	}

	body, clientWantedStream, err := p.prepareBody(r, vendor)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	upstream, err := p.buildUpstreamRequest(ctx, r, vendor, remainder, sel, body)
	if err != nil {
		p.log.Error("build upstream request", "vendor", vendorName, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp, err := p.client.Do(upstream)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		p.logUsage(bot.ID, vendorName, keyID(sel), status)
		metrics.ProxiedRequests.WithLabelValues(vendorName, metrics.StatusClass(status)).Inc()
		writeJSONError(w, status, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	if vendor.ForceNonStreaming && clientWantedStream {
		p.relayAsSyntheticSSE(w, resp)
	} else {
		p.relay(w, resp)
	}

	// The usage row is appended only after the response body has ended.
	p.logUsage(bot.ID, vendorName, keyID(sel), resp.StatusCode)
	metrics.ProxiedRequests.WithLabelValues(vendorName, metrics.StatusClass(resp.StatusCode)).Inc()
}

// authenticate resolves the caller's bearer to a bot record, or nil.
func (p *Proxy) authenticate(r *http.Request) *BotRecord {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil
	}
	bot, err := p.store.GetBotByTokenHash(HashToken(header[len(prefix):]))
	if err != nil {
		return nil
	}
	return bot
}

// splitVendorPath parses /<vendor>/<remainder>.
func splitVendorPath(path string) (vendor, remainder string) {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, ""
}

// prepareBody reads the request body when the vendor needs rewriting.
// For pass-through vendors the body streams untouched and nil is returned.
func (p *Proxy) prepareBody(r *http.Request, vendor providers.Vendor) (body []byte, clientWantedStream bool, err error) {
	if !vendor.ForceNonStreaming {
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, requestBodyCap))
	if err != nil {
		return nil, false, err
	}
	var payload map[string]json.RawMessage
	if json.Unmarshal(data, &payload) != nil {
		return data, false, nil // not JSON; forward untouched
	}
	if raw, ok := payload["stream"]; ok {
		var streaming bool
		if json.Unmarshal(raw, &streaming) == nil && streaming {
			clientWantedStream = true
		}
		delete(payload, "stream")
		if rewritten, err := json.Marshal(payload); err == nil {
			data = rewritten
		}
	}
	return data, clientWantedStream, nil
}

// buildUpstreamRequest rewrites the inbound request for the real vendor:
// new target, credential header, hop-by-hop headers stripped.
func (p *Proxy) buildUpstreamRequest(ctx context.Context, r *http.Request, vendor providers.Vendor, remainder string, sel *Selection, body []byte) (*http.Request, error) {
	target := vendor.UpstreamScheme() + "://" + vendor.UpstreamAddr() + vendor.BasePath + remainder
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reader io.Reader = r.Body
	if body != nil {
		reader = bytes.NewReader(body)
	}
	upstream, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}

	for name, values := range r.Header {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			upstream.Header.Add(name, v)
		}
	}
	upstream.Host = vendor.Host
	if body != nil {
		upstream.ContentLength = int64(len(body))
		upstream.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if sel != nil {
		upstream.Header.Set(vendor.AuthHeader, vendor.AuthFormat(sel.Secret))
	}
	return upstream, nil
}

// relay copies status, headers and body downstream. Event streams bypass
// buffering: each upstream chunk is written and flushed before the next
// read, so SSE pacing survives the hop byte-for-byte.
func (p *Proxy) relay(w http.ResponseWriter, resp *http.Response) {
	sse := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	for name, values := range resp.Header {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if sse {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if sse && canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// relayAsSyntheticSSE wraps a non-streaming upstream response in SSE
// framing for clients that asked to stream against a vendor flagged
// forceNonStreaming.
func (p *Proxy) relayAsSyntheticSSE(w http.ResponseWriter, resp *http.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	_, _ = io.WriteString(w, "data: "+strings.TrimSpace(string(data))+"\n\n")
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if canFlush {
		flusher.Flush()
	}
}

func (p *Proxy) logUsage(botID, vendor, keyID string, status int) {
	err := p.store.AppendUsage(UsageEntry{
		BotID:      botID,
		Vendor:     vendor,
		KeyID:      keyID,
		StatusCode: status,
	})
	if err != nil {
		p.log.Warn("usage log append failed", "bot", botID, "error", err)
	}
}

func keyID(sel *Selection) string {
	if sel == nil {
		return ""
	}
	return sel.KeyID
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// writeJSONError is the proxy's minimal error envelope.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
