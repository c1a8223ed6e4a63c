package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/metrics"
)

const keyPrefix = "cache:"

// cachedResponse is the stored form of an upstream response.
type cachedResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body"`
}

// Router intercepts every request flowing through the worker and
// applies the cache policy. It keeps no decision state in memory
// between requests; the worker can be recycled at any time, so the
// only state is the Redis generation store.
type Router struct {
	client  *Client
	origin  string
	version string
	deny    []string
	http    *http.Client
	logger  *zap.Logger
}

// RouterConfig configures the cache router.
type RouterConfig struct {
	// Origin is the upstream base URL requests are forwarded to.
	Origin string
	// Version names the current cache generation; bumped on each release.
	Version string
	// DenyPatterns are path prefixes that always bypass the cache and
	// are never stored (API, auth and identity endpoints carry
	// per-user or security sensitive responses).
	DenyPatterns []string
}

// NewRouter creates a cache router for the given generation.
func NewRouter(client *Client, cfg RouterConfig, logger *zap.Logger) *Router {
	deny := cfg.DenyPatterns
	if deny == nil {
		deny = []string{"/api/", "/auth/", "/identity/", "/v1/"}
	}

	return &Router{
		client:  client,
		origin:  strings.TrimSuffix(cfg.Origin, "/"),
		version: cfg.Version,
		deny:    deny,
		http:    &http.Client{},
		logger:  logger,
	}
}

// Version returns the current generation tag.
func (rt *Router) Version() string {
	return rt.version
}

func (rt *Router) key(url string) string {
	return keyPrefix + rt.version + ":" + url
}

func (rt *Router) excluded(path string) bool {
	for _, p := range rt.deny {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a full-page navigation.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// ServeHTTP routes one intercepted request.
//
// Policy, in order:
//  1. denylisted paths go straight to network and are never cached
//  2. navigations are network-first with cached fallback
//  3. everything else is cache-first with store-on-miss
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	url := r.URL.RequestURI()

	if rt.excluded(r.URL.Path) || r.Method != http.MethodGet {
		metrics.RecordCacheRoute("bypass")
		rt.passThrough(w, r)
		return
	}

	if isNavigation(r) {
		rt.serveNavigation(ctx, w, r, url)
		return
	}

	if cached, err := rt.lookup(ctx, url); err == nil && cached != nil {
		metrics.RecordCacheRoute("hit")
		writeCached(w, cached)
		return
	}

	metrics.RecordCacheRoute("miss")
	resp, body, err := rt.fetch(r)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	// Only fully successful responses outside excluded patterns are
	// stored for next time.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rt.store(ctx, url, resp, body)
	}
	writeResponse(w, resp, body)
}

// serveNavigation attempts network first; a successful copy is stored
// under the current generation. The cached fallback is reserved for
// the origin being unreachable; an origin that answers, even with an
// error status, speaks for itself.
func (rt *Router) serveNavigation(ctx context.Context, w http.ResponseWriter, r *http.Request, url string) {
	resp, body, err := rt.fetch(r)
	if err == nil {
		metrics.RecordCacheRoute("navigation")
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			rt.store(ctx, url, resp, body)
		}
		writeResponse(w, resp, body)
		return
	}

	if cached, lerr := rt.lookup(ctx, url); lerr == nil && cached != nil {
		metrics.RecordCacheRoute("fallback")
		rt.logger.Info("serving cached navigation fallback", zap.String("url", url))
		writeCached(w, cached)
		return
	}

	http.Error(w, "offline and no cached copy", http.StatusServiceUnavailable)
}

// fetch forwards the request to the origin and reads the full body.
func (rt *Router) fetch(r *http.Request) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, rt.origin+r.URL.RequestURI(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()

	resp, err := rt.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read upstream body: %w", err)
	}
	return resp, body, nil
}

// passThrough proxies without touching the cache.
func (rt *Router) passThrough(w http.ResponseWriter, r *http.Request) {
	var reqBody io.Reader
	if r.Body != nil {
		reqBody = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, rt.origin+r.URL.RequestURI(), reqBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := rt.http.Do(req)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (rt *Router) lookup(ctx context.Context, url string) (*cachedResponse, error) {
	val, err := rt.client.rdb.Get(ctx, rt.key(url)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		rt.logger.Warn("cache lookup failed", zap.Error(err), zap.String("url", url))
		return nil, err
	}

	var cached cachedResponse
	if err := json.Unmarshal(val, &cached); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &cached, nil
}

// store writes a copy under the current generation. Last write wins per
// URL key; a navigation racing a background fetch to the same URL may
// overwrite either way, both copies being "latest known good".
func (rt *Router) store(ctx context.Context, url string, resp *http.Response, body []byte) {
	cached := cachedResponse{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    body,
	}

	data, err := json.Marshal(&cached)
	if err != nil {
		rt.logger.Warn("encode cached response failed", zap.Error(err))
		return
	}

	if err := rt.client.rdb.Set(ctx, rt.key(url), data, 0).Err(); err != nil {
		rt.logger.Warn("cache store failed", zap.Error(err), zap.String("url", url))
	}
}

// Install pre-populates the current generation with the shell asset
// manifest. A failure to cache any one asset is logged but does not
// fail installation.
func (rt *Router) Install(ctx context.Context, manifest []string) {
	primed := 0
	for _, path := range manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rt.origin+path, nil)
		if err != nil {
			rt.logger.Warn("shell asset request invalid", zap.String("path", path), zap.Error(err))
			continue
		}
		resp, err := rt.http.Do(req)
		if err != nil {
			rt.logger.Warn("shell asset fetch failed", zap.String("path", path), zap.Error(err))
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			rt.logger.Warn("shell asset not cacheable",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
			)
			continue
		}
		rt.store(ctx, path, resp, body)
		primed++
	}

	rt.logger.Info("cache generation installed",
		zap.String("version", rt.version),
		zap.Int("primed", primed),
		zap.Int("manifest", len(manifest)),
	)
}

// Activate deletes every cache generation except the current one. Run
// when a new worker version takes over.
func (rt *Router) Activate(ctx context.Context) error {
	currentPrefix := keyPrefix + rt.version + ":"
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := rt.client.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan cache generations: %w", err)
		}

		var stale []string
		for _, k := range keys {
			if !strings.HasPrefix(k, currentPrefix) {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			if err := rt.client.rdb.Del(ctx, stale...).Err(); err != nil {
				return fmt.Errorf("delete stale generation keys: %w", err)
			}
			deleted += len(stale)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	rt.logger.Info("cache generation activated",
		zap.String("version", rt.version),
		zap.Int("evicted_keys", deleted),
	)
	return nil
}

// Contains reports whether a URL is present in the current generation.
// Used by diagnostics and tests.
func (rt *Router) Contains(ctx context.Context, url string) (bool, error) {
	n, err := rt.client.rdb.Exists(ctx, rt.key(url)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func writeCached(w http.ResponseWriter, cached *cachedResponse) {
	copyHeaders(w.Header(), cached.Headers)
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

func writeResponse(w http.ResponseWriter, resp *http.Response, body []byte) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func copyHeaders(dst http.Header, src map[string][]string) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
