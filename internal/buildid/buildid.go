// Package buildid derives content hashes of a build's class inputs and keeps
// them per build variant.
//
// The registry is filled before transforms start, then frozen; after
// Freeze it is read-only and safe for concurrent readers.
package buildid

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/sumdb/dirhash"
)

var (
	// ErrFrozen is returned by Set after Freeze.
	ErrFrozen = errors.New("build id registry is frozen")

	// ErrConflict is returned when a variant already has a different id.
	ErrConflict = errors.New("build id already set")
)

// DefaultVariant is the variant used when a build has only one.
const DefaultVariant = "main"

// FromClasses hashes class bytes keyed by class name. The result does not
// depend on map order.
func FromClasses(classes map[string][]byte) (string, error) {
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return dirhash.Hash1(names, func(name string) (io.ReadCloser, error) {
		b, ok := classes[name]
		if !ok {
			return nil, fmt.Errorf("no class %s", name)
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	})
}

// FromDir hashes the class files under dir, named by their slash
// separated path relative to dir. It equals FromClasses over the same
// classes keyed the same way.
func FromDir(dir string) (string, error) {
	files, err := dirhash.DirFiles(dir, "")
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", dir, err)
	}
	classes := files[:0]
	for _, f := range files {
		if strings.HasSuffix(f, ".class") {
			classes = append(classes, f)
		}
	}
	id, err := dirhash.Hash1(classes, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	})
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", dir, err)
	}
	return id, nil
}

// Registry maps build variants to build ids. Entries are append-only.
type Registry struct {
	mu     sync.RWMutex
	ids    map[string]string
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]string)}
}

// Set records id for variant. Setting the same id twice is a no-op.
func (r *Registry) Set(variant, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if old, ok := r.ids[variant]; ok {
		if old == id {
			return nil
		}
		return fmt.Errorf("%w: variant %s has %s", ErrConflict, variant, old)
	}
	r.ids[variant] = id
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the id of variant.
func (r *Registry) Lookup(variant string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[variant]
	return id, ok
}

// Variants returns the registered variants in sorted order.
func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for v := range r.ids {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
