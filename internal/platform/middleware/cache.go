package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// CacheStore is a byte cache keyed by request hash.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Clear()
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// InMemoryCacheStore keeps entries in a map. Expired entries are dropped on
// read and by StartCleanup.
type InMemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{entries: map[string]cacheEntry{}, now: time.Now}
}

func (s *InMemoryCacheStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !s.now().Before(entry.expires) {
		s.Delete(key)
		return nil, false
	}
	return entry.data, true
}

func (s *InMemoryCacheStore) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = cacheEntry{data: value, expires: s.now().Add(ttl)}
	s.mu.Unlock()
}

func (s *InMemoryCacheStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear drops every entry. Handlers call it after writes that invalidate
// cached reports.
func (s *InMemoryCacheStore) Clear() {
	s.mu.Lock()
	s.entries = map[string]cacheEntry{}
	s.mu.Unlock()
}

// Len counts entries, including expired ones not yet swept.
func (s *InMemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemoryCacheStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}

// StartCleanup sweeps expired entries every interval until ctx is done.
func (s *InMemoryCacheStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// capturedResponse holds a handler's output until the middleware decides
// what reaches the client.
type capturedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (r *capturedResponse) Header() http.Header         { return r.header }
func (r *capturedResponse) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *capturedResponse) WriteHeader(code int)        { r.status = code }
func (r *capturedResponse) Flush()                      {}

func (r *capturedResponse) ok() bool { return r.status < http.StatusBadRequest }

// capture runs next with the response writer swapped for a buffer. The
// original writer is restored before capture returns.
func capture(c echo.Context, next echo.HandlerFunc) (*capturedResponse, http.ResponseWriter, error) {
	res := c.Response()
	orig := res.Writer
	cr := &capturedResponse{header: orig.Header(), status: http.StatusOK}
	res.Writer = cr
	err := next(c)
	res.Writer = orig
	return cr, orig, err
}

func (r *capturedResponse) replay(w http.ResponseWriter) error {
	w.WriteHeader(r.status)
	if r.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(r.body.Bytes())
	return err
}

// RequestHashCache caches successful GET responses under a hash of the
// tenant, path, normalized query string and Accept header. Entries live for
// ttl or until the store is cleared.
func RequestHashCache(store CacheStore, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet {
				return next(c)
			}

			tenant, _ := c.Get("tenant_id").(string)
			key := RequestHash(tenant, req.URL.Path, req.URL.Query(), req.Header.Get(echo.HeaderAccept))
			if data, ok := store.Get(key); ok {
				c.Response().Header().Set("X-Cache", "HIT")
				return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
			}

			cr, w, err := capture(c, next)
			if err != nil {
				return err
			}
			if cr.ok() {
				store.Set(key, bytes.Clone(cr.body.Bytes()), ttl)
			}
			cr.header.Set("X-Cache", "MISS")
			return cr.replay(w)
		}
	}
}

// RequestHash is the cache key of a request. url.Values.Encode sorts keys,
// so parameter order does not matter.
func RequestHash(tenant, path string, query url.Values, accept string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{tenant, path, query.Encode(), accept}, "\n")))
	return hex.EncodeToString(sum[:])
}

// ETagMiddleware tags successful GET and HEAD responses with a weak ETag of
// the body and answers 304 when If-None-Match matches.
func ETagMiddleware(maxAge int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}

			cr, w, err := capture(c, next)
			if err != nil {
				return err
			}
			if !cr.ok() {
				return cr.replay(w)
			}

			etag := bodyETag(cr.body.Bytes())
			cr.header.Set("ETag", etag)
			cr.header.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))
			cr.header.Set("Vary", "Accept, Authorization")
			if inm := req.Header.Get("If-None-Match"); inm != "" && etagMatch(inm, etag) {
				w.WriteHeader(http.StatusNotModified)
				return nil
			}
			return cr.replay(w)
		}
	}
}

func bodyETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:16]) + `"`
}

// etagMatch compares an If-None-Match list against etag using weak
// comparison. "*" matches anything.
func etagMatch(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}
