package beancore

import (
	"errors"
	"fmt"

	"github.com/hashicorp/golang-lru/arc/v2"
)

// MethodID names a business method within a home.
type MethodID string

// TxAttribute is the container-managed transaction attribute of a method.
//
// The zero value, TxRequired, joins the caller's transaction or begins a
// new one.
type TxAttribute uint8

const (
	TxRequired TxAttribute = iota
	TxRequiresNew
	TxMandatory
	TxSupports
	TxNotSupported
	TxNever
)

var txAttributeNames = [...]string{
	TxRequired:     "Required",
	TxRequiresNew:  "RequiresNew",
	TxMandatory:    "Mandatory",
	TxSupports:     "Supports",
	TxNotSupported: "NotSupported",
	TxNever:        "Never",
}

func (a TxAttribute) String() string {
	if int(a) < len(txAttributeNames) {
		return txAttributeNames[a]
	}
	return "unknown"
}

// LockType selects how a singleton instance is guarded during a call.
type LockType uint8

const (
	// LockWrite admits one call at a time. It is the default.
	LockWrite LockType = iota

	// LockRead admits any number of concurrent read-locked calls.
	LockRead
)

// ApplicationError declares a checked failure of a method together with its
// rollback directive.
type ApplicationError struct {
	// Target is matched against the failure with errors.Is.
	Target error

	// Rollback marks the caller's transaction rollback-only when the
	// failure escapes the method.
	Rollback bool
}

// MethodInfo is the read-only metadata the dispatch protocol needs for one
// business method.
type MethodInfo struct {
	ID          MethodID
	TxAttribute TxAttribute

	// ApplicationErrors lists the declared checked failures. The first
	// matching declaration decides the rollback directive; undeclared
	// checked failures do not roll back.
	ApplicationErrors []ApplicationError

	// ParamCount is informational and reported in diagnostics.
	ParamCount int

	// Lock only applies to singleton homes.
	Lock LockType
}

// applicationError returns the first declaration that matches err.
func (m *MethodInfo) applicationError(err error) (ApplicationError, bool) {
	for _, decl := range m.ApplicationErrors {
		if decl.Target != nil && errors.Is(err, decl.Target) {
			return decl, true
		}
	}
	return ApplicationError{}, false
}

// MetadataProvider supplies per-method metadata keyed by method identifier.
// Implementations must be safe for concurrent use; the core never mutates
// the returned MethodInfo.
type MetadataProvider interface {
	MethodInfo(id MethodID) (*MethodInfo, error)
}

// StaticMetadata is a MetadataProvider backed by a fixed map.
type StaticMetadata map[MethodID]*MethodInfo

// NewStaticMetadata indexes methods by ID. Later duplicates win.
func NewStaticMetadata(methods ...MethodInfo) StaticMetadata {
	m := make(StaticMetadata, len(methods))
	for i := range methods {
		mi := methods[i]
		m[mi.ID] = &mi
	}
	return m
}

func (m StaticMetadata) MethodInfo(id MethodID) (*MethodInfo, error) {
	if mi, ok := m[id]; ok {
		return mi, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchMethod, id)
}

// defaultMetadataCacheSize bounds the ARC cache placed in front of external
// providers.
const defaultMetadataCacheSize = 1024

// cachedMetadata memoizes an external provider in an adaptive replacement
// cache (ARC) so hot methods skip the provider entirely. Lookup failures
// are not cached.
type cachedMetadata struct {
	next  MetadataProvider
	cache *arc.ARCCache[MethodID, *MethodInfo]
}

func newCachedMetadata(next MetadataProvider, size int) (*cachedMetadata, error) {
	if size <= 0 {
		size = defaultMetadataCacheSize
	}
	cache, err := arc.NewARC[MethodID, *MethodInfo](size)
	if err != nil {
		return nil, fmt.Errorf("metadata cache: %w", err)
	}
	return &cachedMetadata{next: next, cache: cache}, nil
}

func (c *cachedMetadata) MethodInfo(id MethodID) (*MethodInfo, error) {
	if mi, ok := c.cache.Get(id); ok {
		return mi, nil
	}
	mi, err := c.next.MethodInfo(id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, mi)
	return mi, nil
}
