package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/identity"
)

// replay is a completed response kept for an Idempotency-Key. An entry with
// done == false marks a request that is still being handled.
type replay struct {
	fingerprint [sha256.Size]byte
	done        bool
	status      int
	contentType string
	body        []byte
	at          time.Time
}

// IdempotencyStore remembers successful POST responses per caller and key.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*replay
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyStore creates an in-memory store keeping responses for ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]*replay),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *IdempotencyStore) WithClock(clock func() time.Time) *IdempotencyStore {
	s.clock = clock
	return s
}

// Cleanup evicts expired entries every five minutes until ctx ends.
func (s *IdempotencyStore) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *IdempotencyStore) evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for k, v := range s.entries {
		if v.done && now.Sub(v.at) >= s.ttl {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

type claimState int

const (
	claimed claimState = iota
	replayed
	inFlight
	mismatched
)

// claim reserves key for a new request or returns what an earlier request
// with the same key left behind.
func (s *IdempotencyStore) claim(key string, fp [sha256.Size]byte) (claimState, *replay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if e, ok := s.entries[key]; ok && !(e.done && now.Sub(e.at) >= s.ttl) {
		switch {
		case e.fingerprint != fp:
			return mismatched, nil
		case !e.done:
			return inFlight, nil
		default:
			return replayed, e
		}
	}
	s.entries[key] = &replay{fingerprint: fp, at: now}
	return claimed, nil
}

func (s *IdempotencyStore) complete(key string, status int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.done, e.status, e.contentType, e.body, e.at = true, status, contentType, body, s.clock()
}

func (s *IdempotencyStore) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.done {
		delete(s.entries, key)
	}
}

// responseCapture tees the response so it can be kept for replay.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency replays the first successful response to a POST carrying an
// Idempotency-Key header. Keys are scoped to the principal and the path, so
// one caller can never replay another's response. Reusing a key with a
// different body is rejected with 422, and a retry that races the original
// gets 409. It must run after Authenticate.
func Idempotency(store *IdempotencyStore) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || header == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(header) > 255 {
				WriteBadRequest(w, r, "Idempotency-Key must be at most 255 characters")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			principal, _ := identity.PrincipalFrom(r.Context())
			key := principal + "\x00" + r.URL.Path + "\x00" + header

			state, cached := store.claim(key, sha256.Sum256(body))
			switch state {
			case mismatched:
				WriteError(w, r, http.StatusUnprocessableEntity, "Idempotency-Key was already used with a different request body")
				return
			case inFlight:
				WriteError(w, r, http.StatusConflict, "a request with this Idempotency-Key is still being processed")
				return
			case replayed:
				if cached.contentType != "" {
					w.Header().Set("Content-Type", cached.contentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.status)
				_, _ = w.Write(cached.body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					store.release(key)
					panic(p)
				}
				if capture.statusCode >= 200 && capture.statusCode < 300 {
					store.complete(key, capture.statusCode, w.Header().Get("Content-Type"), capture.body.Bytes())
				} else {
					store.release(key)
				}
			}()
			next.ServeHTTP(capture, r)
		})
	}
}
