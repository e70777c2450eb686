package clinicsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Response headers set on responses produced by the router.
const (
	HeaderCache   = "X-Cache"
	HeaderOffline = "X-Offline"
)

const defaultOfflinePage = `<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>Você está offline</h1><p>Verifique sua conexão e tente novamente.</p></body>
</html>
`

// 1x1 transparent GIF served when no fallback image is cached.
var placeholderImage, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true, ".avif": true,
}

// Router is the Cache Router: an http.RoundTripper that serves GET
// traffic cache-first (static shell) or network-first (allow-listed API
// reads) and turns failures into synthetic responses.
//
// Until Activate completes every request passes through untouched.
type Router struct {
	store  *Store
	next   http.RoundTripper
	origin *url.URL
	cfg    CacheConfig
	log    *slog.Logger
	now    func() time.Time

	reporter NetworkReporter

	mu     sync.RWMutex
	active bool
}

// NewRouter creates a router for origin. next defaults to
// http.DefaultTransport.
func NewRouter(store *Store, origin string, cfg CacheConfig, next http.RoundTripper, opts ...Option) (*Router, error) {
	o := buildOptions(opts)
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if cfg.Generation == "" {
		cfg.Generation = DefaultGeneration
	}
	return &Router{store: store, next: next, origin: u, cfg: cfg, log: o.logger, now: o.now}, nil
}

// SetReporter attaches the receiver of every same-origin fetch outcome.
func (r *Router) SetReporter(rep NetworkReporter) { r.reporter = rep }

// fetch goes to the network and reports same-origin outcomes.
func (r *Router) fetch(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if r.reporter != nil && r.sameOrigin(req.URL) {
		if err != nil {
			r.reporter.Report(&NetworkError{Op: req.Method, URL: req.URL.String(), Err: err})
		} else {
			r.reporter.Report(nil)
		}
	}
	return resp, err
}

// Generation returns the current cache generation tag.
func (r *Router) Generation() string { return r.cfg.Generation }

// Active reports whether the router intercepts requests.
func (r *Router) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ============================================================================
// Lifecycle
// ============================================================================

// Install pre-populates the static shell into the current generation.
// Any asset failing to load fails the install.
func (r *Router) Install(ctx context.Context) error {
	for _, asset := range r.cfg.StaticAssets {
		u := r.resolve(asset)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		resp, err := r.next.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("install %s: unexpected status %d", asset, resp.StatusCode)
		}
		if err := r.put(ctx, u, resp, body); err != nil {
			return fmt.Errorf("install %s: %w", asset, err)
		}
	}
	r.log.Info("static assets cached", "generation", r.cfg.Generation, "assets", len(r.cfg.StaticAssets))
	return nil
}

// Activate purges every cache generation other than the current one and
// only then starts intercepting requests.
func (r *Router) Activate(ctx context.Context) error {
	gens, err := r.store.CacheGenerations(ctx)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, g := range gens {
		if g == r.cfg.Generation {
			continue
		}
		if err := r.store.DropCacheGeneration(ctx, g); err != nil {
			return fmt.Errorf("activate: purge %s: %w", g, err)
		}
		r.log.Info("deleted stale cache generation", "generation", g)
	}
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
	return nil
}

// SkipWaiting installs and activates in one step.
func (r *Router) SkipWaiting(ctx context.Context) error {
	if err := r.Install(ctx); err != nil {
		return err
	}
	return r.Activate(ctx)
}

// ============================================================================
// RoundTrip
// ============================================================================

func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !r.Active() {
		return r.fetch(req)
	}
	if isAPIPath(req.URL.Path) {
		if !r.allowListed(req.URL.Path) {
			return r.fetch(req)
		}
		return r.networkFirst(req), nil
	}
	return r.cacheFirst(req), nil
}

func (r *Router) cacheFirst(req *http.Request) *http.Response {
	ctx := req.Context()
	key := cacheKey(req.URL)
	if cached, err := r.store.GetCached(ctx, r.cfg.Generation, key); err == nil {
		return cachedResponse(req, cached)
	} else if !errors.Is(err, ErrNotFound) {
		r.log.Warn("cache read failed", "key", key, "err", err)
	}

	resp, err := r.fetch(req)
	if err != nil {
		r.log.Debug("fetch failed, serving offline fallback", "url", req.URL.String(), "err", err)
		return r.fallback(req)
	}
	if resp.StatusCode != http.StatusOK || !r.sameOrigin(req.URL) {
		return resp
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return r.fallback(req)
	}
	if err := r.put(ctx, req.URL, resp, body); err != nil {
		r.log.Warn("cache write failed", "key", key, "err", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp
}

func (r *Router) networkFirst(req *http.Request) *http.Response {
	ctx := req.Context()
	key := cacheKey(req.URL)

	resp, err := r.fetch(req)
	if err == nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp
		}
		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr == nil {
			if err := r.put(ctx, req.URL, resp, body); err != nil {
				r.log.Warn("cache write failed", "key", key, "err", err)
			}
			resp.Body = io.NopCloser(bytes.NewReader(body))
			resp.ContentLength = int64(len(body))
			return resp
		}
		err = rerr
	}

	if cached, cerr := r.store.GetCached(ctx, r.cfg.Generation, key); cerr == nil {
		r.log.Debug("network failed, serving cached API response", "url", req.URL.String(), "err", err)
		return cachedResponse(req, cached)
	}
	body, _ := json.Marshal(map[string]any{
		"error":   "Network unavailable and no cached data",
		"offline": true,
	})
	return synthetic(req, http.StatusServiceUnavailable, "application/json", body)
}

func (r *Router) fallback(req *http.Request) *http.Response {
	ctx := req.Context()
	switch {
	case isNavigation(req):
		if c, err := r.store.GetCached(ctx, r.cfg.Generation, cacheKey(r.resolve(r.cfg.OfflinePage))); err == nil {
			resp := cachedResponse(req, c)
			resp.Header.Set(HeaderOffline, "true")
			return resp
		}
		return synthetic(req, http.StatusOK, "text/html; charset=utf-8", []byte(defaultOfflinePage))
	case isImage(req):
		if c, err := r.store.GetCached(ctx, r.cfg.Generation, cacheKey(r.resolve(r.cfg.FallbackImage))); err == nil {
			resp := cachedResponse(req, c)
			resp.Header.Set(HeaderOffline, "true")
			return resp
		}
		return synthetic(req, http.StatusOK, "image/gif", placeholderImage)
	}
	return synthetic(req, http.StatusRequestTimeout, "text/plain; charset=utf-8", []byte("Unavailable offline"))
}

func (r *Router) put(ctx context.Context, u *url.URL, resp *http.Response, body []byte) error {
	header := resp.Header.Clone()
	for _, h := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Set-Cookie", "Content-Length"} {
		header.Del(h)
	}
	return r.store.PutCached(ctx, r.cfg.Generation, &CachedResponse{
		Key:      cacheKey(u),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: r.now(),
	})
}

// ============================================================================
// Maintenance
// ============================================================================

// Invalidate drops cached entries whose path starts with pathPrefix.
func (r *Router) Invalidate(ctx context.Context, pathPrefix string) (int, error) {
	entries, err := r.store.ListCached(ctx, r.cfg.Generation)
	if err != nil {
		return 0, err
	}
	prefix := strings.TrimRight(pathPrefix, "/")
	var keys []string
	for _, e := range entries {
		u, err := url.Parse(e.Key)
		if err != nil {
			continue
		}
		if u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/") {
			keys = append(keys, e.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return len(keys), r.store.DeleteCached(ctx, r.cfg.Generation, keys...)
}

// ClearExpired drops entries stored longer than maxAge ago.
func (r *Router) ClearExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := r.store.ListCached(ctx, r.cfg.Generation)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-maxAge)
	var keys []string
	for _, e := range entries {
		if e.StoredAt.Before(cutoff) {
			keys = append(keys, e.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return len(keys), r.store.DeleteCached(ctx, r.cfg.Generation, keys...)
}

// IsCached reports whether rawURL (absolute or origin-relative) is cached.
func (r *Router) IsCached(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	if !u.IsAbs() {
		u = r.origin.ResolveReference(u)
	}
	_, err = r.store.GetCached(ctx, r.cfg.Generation, cacheKey(u))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Keys lists the cached keys of the current generation.
func (r *Router) Keys(ctx context.Context) ([]string, error) {
	entries, err := r.store.ListCached(ctx, r.cfg.Generation)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// Purge drops the current generation entirely.
func (r *Router) Purge(ctx context.Context) error {
	return r.store.DropCacheGeneration(ctx, r.cfg.Generation)
}

// Handler returns a reverse proxy to the origin that routes every request
// through the router.
func (r *Router) Handler() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(r.origin)
			pr.Out.Host = r.origin.Host
		},
		Transport: r,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.log.Warn("proxy request failed", "method", req.Method, "url", req.URL.String(), "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "offline": true})
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (r *Router) resolve(p string) *url.URL {
	return r.origin.ResolveReference(&url.URL{Path: p})
}

func (r *Router) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Host, r.origin.Host) && (u.Scheme == "" || u.Scheme == r.origin.Scheme)
}

func (r *Router) allowListed(p string) bool {
	for _, route := range r.cfg.APIRoutes {
		route = strings.TrimRight(route, "/")
		if p == route || strings.HasPrefix(p, route+"/") {
			return true
		}
	}
	return false
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func isImage(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]
}

// cacheKey normalizes request identity: lower-case scheme and host, no
// fragment or userinfo, sorted query.
func cacheKey(u *url.URL) string {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		vals[k] = vs
	}
	n := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Host),
		Path:     u.EscapedPath(),
		RawQuery: vals.Encode(),
	}
	if n.Path == "" {
		n.Path = "/"
	}
	// EscapedPath is already escaped; avoid double escaping on String().
	s := n.Scheme + "://" + n.Host + n.Path
	if n.RawQuery != "" {
		s += "?" + n.RawQuery
	}
	return s
}

func cachedResponse(req *http.Request, c *CachedResponse) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, "HIT")
	status := c.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

func synthetic(req *http.Request, status int, contentType string, body []byte) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {contentType},
			HeaderOffline:  {"true"},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
