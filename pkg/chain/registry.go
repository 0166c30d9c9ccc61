package chain

import (
	"errors"
	"strings"
	"sync"
)

var ErrNoDriver = errors.New("no driver for asset")

// Registry maps asset codes to drivers, resolved once at startup. Callers
// depend only on the Driver interface.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[strings.ToUpper(d.Asset())] = d
}

func (r *Registry) Get(asset string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[strings.ToUpper(asset)]
	if !ok {
		return nil, ErrNoDriver
	}
	return d, nil
}

func (r *Registry) Assets() (assets []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for asset := range r.drivers {
		assets = append(assets, asset)
	}
	return
}
