package rule

import (
	"fmt"
	"sync"

	"github.com/go-analyze/bulk"
)

// Registry tracks the live rules of one kind in creation order.
type Registry struct {
	mu    sync.RWMutex
	kind  Kind
	rules map[string]*Rule
	order []string
}

func NewRegistry(kind Kind) *Registry {
	return &Registry{
		kind:  kind,
		rules: make(map[string]*Rule),
	}
}

func (g *Registry) Kind() Kind {
	return g.kind
}

func (g *Registry) Get(id string) (*Rule, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[id]
	return r, ok
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rules)
}

// IDs returns the ids of the live rules in creation order.
func (g *Registry) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// List returns the live rules in creation order.
func (g *Registry) List() []*Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Rule, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.rules[id])
	}
	return out
}

func (g *Registry) add(r *Rule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rules[r.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, r.id)
	}
	g.rules[r.id] = r
	g.order = append(g.order, r.id)
	return nil
}

func (g *Registry) delete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rules[id]; !ok {
		return
	}
	delete(g.rules, id)
	g.order = bulk.SliceFilterInPlace(func(v string) bool { return v != id }, g.order)
}
