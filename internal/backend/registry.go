package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend driver names.
const (
	DriverRedshift = "redshift"
	DriverMemory   = "memory"
)

// Info pairs a backend name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds named statement backends and resolves the one a process is
// configured to use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
	}
}

// Register adds a backend to the registry under the given name.
func (r *Registry) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

// Resolve returns the backend registered under name.
func (r *Registry) Resolve(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return c, nil
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.clients))
	for name, c := range r.clients {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: c.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
