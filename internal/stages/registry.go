package stages

import (
	"sort"
	"sync"

	"github.com/stewardhq/steward/pkg/schema"
)

// Registry is a thread-safe lookup of registered stage kinds. Pipeline
// definitions reference stages by kind; the registry resolves them at
// run start.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds a stage to the registry. Returns an error on duplicate name.
func (r *Registry) Register(stage Stage) error {
	if stage == nil {
		return schema.NewError(schema.ErrCodeValidation, "stage is nil")
	}
	name := stage.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "stage name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "stage %q already registered", name)
	}
	r.stages[name] = stage
	return nil
}

// Get retrieves a stage by kind name.
func (r *Registry) Get(name string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stage, ok := r.stages[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "stage %q not registered", name)
	}
	return stage, nil
}

// Has checks whether a stage kind is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stages[name]
	return ok
}

// List returns info for all registered stages, sorted by name.
func (r *Registry) List() []StageInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StageInfo, 0, len(r.stages))
	for _, s := range r.stages {
		infos = append(infos, StageInfo{Name: s.Name(), Mutating: s.Mutating()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
