package journal

import (
	"fmt"
	"sort"
	"sync"
)

// Validator checks a generic fact payload.
type Validator func(payload []byte) error

// Registry holds the domain-specific fact types a journal accepts.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Validator)}
}

// Register adds typeID. A nil validator accepts any payload.
func (r *Registry) Register(typeID string, v Validator) error {
	if typeID == "" {
		return fmt.Errorf("fact registry: empty type id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[typeID]; exists {
		return fmt.Errorf("fact registry: type %q already registered", typeID)
	}
	r.types[typeID] = v
	return nil
}

// Validate checks g against its registered type.
func (r *Registry) Validate(g *GenericFact) error {
	r.mu.RLock()
	v, ok := r.types[g.TypeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fact registry: unknown type %q", g.TypeID)
	}
	if v == nil {
		return nil
	}
	if err := v(g.Payload); err != nil {
		return fmt.Errorf("fact registry: %s: %w", g.TypeID, err)
	}
	return nil
}

// Types lists registered type ids in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
