package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/livinlefevreloca/tideline/internal/db"
	"github.com/livinlefevreloca/tideline/internal/planner"
)

// ErrUnknownFamily is returned for a data family with no registration.
var ErrUnknownFamily = errors.New("adapter: unknown data family")

// Family binds a data family tag to its adapter and sync policy.
type Family struct {
	Name       string
	Adapter    Adapter
	Keys       KeyResolver
	CursorType db.CursorType
	Policy     planner.Policy
	PageSize   int
}

// PolicyFor returns the family policy with the worker's own overlap and
// backfill applied.
func (f Family) PolicyFor(w *db.WorkerConfig) planner.Policy {
	p := f.Policy
	if w != nil {
		p.Overlap = time.Duration(w.OverlapSeconds) * time.Second
		p.Backfill = time.Duration(w.InitialBackfillSeconds) * time.Second
	}
	return p
}

// Registry maps data family tags to their registrations.
type Registry struct {
	mu       sync.RWMutex
	families map[string]Family
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]Family)}
}

// Register adds a family. Registering the same name twice is an error.
func (r *Registry) Register(f Family) error {
	if f.Name == "" {
		return fmt.Errorf("adapter: family name must be set")
	}
	if f.Adapter == nil || f.Keys == nil {
		return fmt.Errorf("adapter: family %s needs an adapter and a key resolver", f.Name)
	}
	if f.CursorType == "" {
		f.CursorType = db.CursorTimestamp
	}
	if f.CursorType != db.CursorTimestamp && f.CursorType != db.CursorOpaqueToken {
		return fmt.Errorf("adapter: family %s has unknown cursor type %q", f.Name, f.CursorType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.families[f.Name]; ok {
		return fmt.Errorf("adapter: family %s already registered", f.Name)
	}
	r.families[f.Name] = f
	return nil
}

// Lookup returns the registration of a family
func (r *Registry) Lookup(name string) (Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok {
		return Family{}, fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	return f, nil
}

// Names returns the registered family tags in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
