package httpapi

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// idempotencyTTL is how long cached responses are replayed for a key.
const idempotencyTTL = 60 * time.Second

type idempotencyEntry struct {
	status    int
	header    http.Header
	body      []byte
	expiresAt time.Time
}

// idempotencyCache replays responses for repeated mutating requests carrying
// the same X-Idempotency-Key, so a slave retrying a registration or a
// heartbeat over a flaky link cannot double-apply it.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]idempotencyEntry)}
}

func (c *idempotencyCache) get(key string) (idempotencyEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return idempotencyEntry{}, false
	}
	return e, true
}

func (c *idempotencyCache) put(key string, e idempotencyEntry) {
	e.expiresAt = time.Now().Add(idempotencyTTL)
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// captureWriter buffers the response so it can be cached.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.buf.Write(b)
	return cw.ResponseWriter.Write(b)
}

// idempotencyMiddleware replays cached responses for keyed mutating requests.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		key = r.Method + " " + r.URL.Path + " " + key

		if e, ok := s.idem.get(key); ok {
			for k, vals := range e.header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("X-Idempotency-Replay", "true")
			w.WriteHeader(e.status)
			w.Write(e.body)
			return
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r)

		// Only successful outcomes are worth replaying; errors should be
		// retried for real.
		if cw.status < 300 {
			s.idem.put(key, idempotencyEntry{
				status: cw.status,
				header: http.Header{"Content-Type": w.Header().Values("Content-Type")},
				body:   append([]byte(nil), cw.buf.Bytes()...),
			})
		}
	})
}
