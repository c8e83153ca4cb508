package beancore

import (
	"fmt"
	"strings"

	farm "github.com/dgryski/go-farm"
)

// Key is the identity key that names a component instance within its home.
//
// Pooled kinds (stateless, singleton) leave it empty; stateful and managed
// homes mint a random UUID per instance. The zero Key never names a
// stateful session and is therefore safe to use as a "no identity" marker.
type Key string

// Identity is the immutable (home, key) pair a caller-visible handle
// carries. Identity is comparable and is the only thing equality and
// hashing of wrappers look at.
type Identity struct {
	Home string
	Key  Key
}

// ParseIdentity converts the "home/key" form produced by Identity.String
// back into an Identity.
//
// Home names may not contain '/'; everything after the first separator is
// the key. An error is returned when the separator or the home is missing.
func ParseIdentity(s string) (Identity, error) {
	home, key, ok := strings.Cut(s, "/")
	if !ok || home == "" {
		return Identity{}, fmt.Errorf("invalid identity %q", s)
	}
	return Identity{Home: home, Key: Key(key)}, nil
}

func (id Identity) String() string { return id.Home + "/" + string(id.Key) }

// Hash returns a 64-bit FarmHash of the identity.
//
// The home name seeds the hash of the key, so equal keys in different homes
// hash apart. The value is meant for in-memory shortcuts such as lock
// striping and map sharding and must not be persisted.
func (id Identity) Hash() uint64 {
	return farm.Hash64WithSeed([]byte(id.Key), farm.Hash64([]byte(id.Home)))
}

// stripe maps the identity onto one of n lock stripes. n must be a power
// of two.
func (id Identity) stripe(n int) int {
	return int(id.Hash() & uint64(n-1))
}
