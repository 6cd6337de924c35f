// Package idgen generates the short, non-cryptographic feed ids the
// Session Negotiator assigns to new feeds (§4.11).
package idgen

import (
	"math/rand"
	"sync"
	"time"
)

const (
	charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLen   = 12
)

var (
	initOnce sync.Once
	source   *rand.Rand
	mu       sync.Mutex
)

func ensureSeeded() {
	initOnce.Do(func() {
		source = rand.New(rand.NewSource(time.Now().UnixNano()))
	})
}

// New returns a 12-character id drawn from [a-z0-9]. Not cryptographically
// strong — matches the original generator's non-cryptographic PRNG, seeded
// once per process from wall-clock time.
func New() string {
	ensureSeeded()

	mu.Lock()
	defer mu.Unlock()

	b := make([]byte, idLen)
	for i := range b {
		b[i] = charset[source.Intn(len(charset))]
	}
	return string(b)
}
