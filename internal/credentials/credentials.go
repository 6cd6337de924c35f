// Package credentials implements the Credential Store (§4.1): a
// mutex-guarded four-string record with a scoped exclusive handle and a
// refresh operation whose REST round trip happens outside the lock.
package credentials

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Credentials is the four-string record (§3): access token, refresh token,
// account id, and the signed credential the server also expects back on
// every authenticated call.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	AccountID    string
	Credential   string
}

// Empty reports whether no sign-in has happened yet.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// RefreshFunc performs the refresh REST call (POST /v1/account/token). It
// must not touch the Store — Refresh calls it with the lock released.
type RefreshFunc func(ctx context.Context, refreshToken string) (Credentials, error)

// Store guards the process's single Credentials value. Lifetime equals the
// signed-in session (§3): callers construct one per Instance.
type Store struct {
	mu    sync.Mutex
	creds Credentials
	group singleflight.Group
}

// New returns an empty, not-yet-signed-in Store.
func New() *Store {
	return &Store{}
}

// Handle is the scoped exclusive handle returned by Lock. Its zero value is
// never meaningful outside of a Lock call; callers must Unlock exactly
// once.
type Handle struct {
	store *Store
}

// Lock acquires exclusive access to the credentials. No other goroutine may
// read or mutate the store until Unlock.
func (s *Store) Lock() *Handle {
	s.mu.Lock()
	return &Handle{store: s}
}

// Unlock releases the handle acquired by Lock.
func (h *Handle) Unlock() {
	h.store.mu.Unlock()
}

// Get returns the current credentials. Must be called while holding the
// handle.
func (h *Handle) Get() Credentials {
	return h.store.creds
}

// Set replaces the credentials atomically. Must be called while holding the
// handle.
func (h *Handle) Set(c Credentials) {
	h.store.creds = c
}

// Snapshot takes the lock just long enough to copy out the current
// credentials — the REST Client's header-build step (§4.2) uses this rather
// than holding the lock across the network call.
func (s *Store) Snapshot() Credentials {
	h := s.Lock()
	defer h.Unlock()
	return h.Get()
}

// Refresh copies out the current refresh token under the lock, performs the
// refresh REST call without holding the lock, then atomically replaces all
// four fields with the result (§4.1). Returns true on success, false if the
// refresh call fails or is rejected. Concurrent Refresh calls triggered by
// overlapping 401s collapse into a single REST round trip via singleflight,
// so two callers racing on the same stale token don't each burn a retry
// budget on their own refresh attempt.
func (s *Store) Refresh(ctx context.Context, refresh RefreshFunc) bool {
	h := s.Lock()
	refreshToken := h.Get().RefreshToken
	h.Unlock()

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return refresh(ctx, refreshToken)
	})
	if err != nil {
		return false
	}

	h = s.Lock()
	h.Set(v.(Credentials))
	h.Unlock()
	return true
}
