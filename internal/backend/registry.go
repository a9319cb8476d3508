package backend

import (
	"fmt"
	"sort"
	"sync"
)

// BackendInfo pairs a GPU type with the backend serving it.
type BackendInfo struct {
	GPUType string `json:"gpu_type"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Registry maps GPU types to backends and resolves which one a request uses.
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]Backend
	defaultGPU string
}

// NewRegistry creates an empty registry. Requests that name no GPU type use
// defaultGPU.
func NewRegistry(defaultGPU string) *Registry {
	return &Registry{
		backends:   make(map[string]Backend),
		defaultGPU: defaultGPU,
	}
}

// Register adds a backend for the given GPU type.
func (r *Registry) Register(gpuType string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[gpuType] = b
}

// DefaultGPU returns the GPU type used when a request names none.
func (r *Registry) DefaultGPU() string {
	return r.defaultGPU
}

// Resolve returns the GPU type and backend to use. An empty gpuType selects
// the default.
func (r *Registry) Resolve(gpuType string) (string, Backend, error) {
	if gpuType == "" {
		gpuType = r.defaultGPU
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[gpuType]
	if !ok {
		return "", nil, fmt.Errorf("no backend registered for gpu type %q", gpuType)
	}
	return gpuType, b, nil
}

// List returns all registered backends sorted by GPU type.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for gpu, b := range r.backends {
		infos = append(infos, BackendInfo{
			GPUType: gpu,
			Name:    b.Name(),
			Default: gpu == r.defaultGPU,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].GPUType < infos[j].GPUType
	})
	return infos
}
