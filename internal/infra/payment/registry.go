package payment

import (
	"strings"

	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/usecase"
)

var _ usecase.GatewayRegistry = (*Registry)(nil)

// Registry holds the configured gateway adapters keyed by provider name.
type Registry struct {
	adapters map[string]adapter.GatewayAdapter
}

func NewRegistry(adapters ...adapter.GatewayAdapter) *Registry {
	r := &Registry{adapters: make(map[string]adapter.GatewayAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

func (r *Registry) ForProvider(name string) (adapter.GatewayAdapter, bool) {
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
