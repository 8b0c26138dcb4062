package ml

import (
	"cellflow/internal/domain"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps catalog model names to annotation models. Lookups ignore case.
type Registry struct {
	mu     sync.RWMutex
	models map[string]domain.AnnotationModel
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]domain.AnnotationModel)}
}

func (r *Registry) Register(name string, model domain.AnnotationModel) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[key]; exists {
		return fmt.Errorf("model %s already registered", name)
	}
	r.models[key] = model
	return nil
}

func (r *Registry) Get(name string) (domain.AnnotationModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model, ok := r.models[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownModel, name)
	}
	return model, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
