package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"emeltv-player/work/cache"
	"emeltv-player/work/client"
	"emeltv-player/work/config"
	"emeltv-player/work/logger"
	"emeltv-player/work/metrics"
	"emeltv-player/work/types"
	"emeltv-player/work/utils"
)

// maxErrorBody caps how much of a failed response is kept in ResolutionError.
const maxErrorBody = 4 << 10

// StreamCache is the subset of cache.StreamCache the resolver needs.
type StreamCache interface {
	Load(ctx context.Context) (string, cache.Outcome)
	Save(ctx context.Context, entry types.CachedStream) error
	Invalidate(ctx context.Context) error
}

// Resolver obtains a playable stream URL, cache first.
type Resolver struct {
	config *config.Config
	client *client.HeaderSettingClient
	cache  StreamCache
}

// New creates a Resolver. cache may be nil, in which case every call goes to the network.
func New(cfg *config.Config, hc *client.HeaderSettingClient, sc StreamCache) *Resolver {
	return &Resolver{config: cfg, client: hc, cache: sc}
}

type ipResponse struct {
	IP string `json:"ip"`
}

// Resolve returns a cached URL when one is still valid, otherwise looks up the
// public IP and asks the backend for a fresh stream URL, caching the result.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.cache != nil {
		if u, outcome := r.cache.Load(ctx); outcome == cache.OutcomeHit {
			logger.Info("{resolver - Resolve} Using cached stream URL: %s", utils.LogURL(r.config, u))
			metrics.Resolutions.WithLabelValues("cache").Inc()
			return u, nil
		}
	}

	entry, err := r.fetch(ctx)
	if err != nil {
		metrics.Resolutions.WithLabelValues(Kind(err)).Inc()
		return "", err
	}
	metrics.Resolutions.WithLabelValues("network").Inc()

	if r.cache != nil {
		if err := r.cache.Save(ctx, entry); err != nil {
			// a failed write only costs a network round trip next time
			logger.Warn("{resolver - Resolve} Failed to cache stream URL: %v", err)
		}
	}

	return entry.URL, nil
}

// Invalidate drops the cached stream so the next Resolve hits the network.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx)
}

func (r *Resolver) fetch(ctx context.Context) (types.CachedStream, error) {
	logger.Debug("{resolver - fetch} Getting client IP...")
	ip, err := r.lookupIP(ctx)
	if err != nil {
		return types.CachedStream{}, err
	}
	logger.Debug("{resolver - fetch} Client IP is: %s", ip)

	endpoint := r.streamEndpoint()
	var entry types.CachedStream
	if err := r.getJSON(ctx, "stream-url", endpoint, http.Header{"X-Client-IP": {ip}}, &entry); err != nil {
		return types.CachedStream{}, err
	}
	if entry.URL == "" {
		return types.CachedStream{}, &ParseError{Op: "stream-url", Err: errors.New("response has no stream_url")}
	}

	if entry.ExpiresAt.Unparsed != "" {
		logger.Warn("{resolver - fetch} Ignoring unrecognised expires_at %q, stream will not be cached", entry.ExpiresAt.Unparsed)
	}

	logger.Info("{resolver - fetch} Received stream URL: %s", utils.LogURL(r.config, entry.URL))
	return entry, nil
}

func (r *Resolver) lookupIP(ctx context.Context) (string, error) {
	var resp ipResponse
	if err := r.getJSON(ctx, "ip-lookup", r.config.IPLookupURL, nil, &resp); err != nil {
		return "", err
	}
	ip := strings.TrimSpace(resp.IP)
	if ip == "" {
		return "", &ParseError{Op: "ip-lookup", Err: errors.New("response has no ip")}
	}
	return ip, nil
}

func (r *Resolver) streamEndpoint() string {
	q := url.Values{}
	q.Set("device", r.config.Device)
	return strings.TrimRight(r.config.BackendBaseURL, "/") + "/stream-url?" + q.Encode()
}

// getJSON performs a bounded GET and decodes a 2xx body into out.
func (r *Resolver) getJSON(ctx context.Context, op, target string, headers http.Header, out any) error {
	if r.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
		defer cancel()
	}

	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Accept", "application/json")

	resp, err := r.client.Get(ctx, target, headers)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ResolutionError{Endpoint: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ParseError{Op: op, Err: err}
	}
	return nil
}
