package catalog

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/vellumlab/vellum/pkg/errdefs"
)

// Stable ID alphabet and sizing. IDs are opaque URL-safe tokens; the
// length grows only when a length is exhausted by collisions.
const (
	stableIDAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	stableIDMinLength = 6
	stableIDMaxLength = 12
	stableIDRetries   = 10
)

// StableIDAllocator issues short collision-free public identifiers.
// The in-memory set mirrors every stable ID in the catalog, deleted
// rows included, and is updated on each insert.
type StableIDAllocator struct {
	mu     sync.Mutex
	inUse  map[string]struct{}
	length int
}

func newStableIDAllocator(c *Catalog) (*StableIDAllocator, error) {
	ids, err := c.AllStableIDs()
	if err != nil {
		return nil, err
	}
	return &StableIDAllocator{
		inUse:  ids,
		length: stableIDMinLength,
	}, nil
}

// Generate returns a fresh stable ID and reserves it. After
// stableIDRetries collisions at the current length the length widens by
// one character.
func (a *StableIDAllocator) Generate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for length := a.length; length <= stableIDMaxLength; length++ {
		for attempt := 0; attempt < stableIDRetries; attempt++ {
			id, err := randomID(length)
			if err != nil {
				return "", err
			}
			if _, taken := a.inUse[id]; taken {
				continue
			}
			a.inUse[id] = struct{}{}
			a.length = length
			return id, nil
		}
	}

	return "", errdefs.AlreadyExists("stable ID space exhausted at length %d", stableIDMaxLength)
}

// Observe records an externally supplied stable ID (remote downloads,
// imports carrying explicit IDs) so Generate never reissues it.
func (a *StableIDAllocator) Observe(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[id] = struct{}{}
}

func randomID(length int) (string, error) {
	max := big.NewInt(int64(len(stableIDAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = stableIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
