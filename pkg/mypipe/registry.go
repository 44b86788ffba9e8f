package mypipe

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a table of named devices. Each registered device gets the
// lowest free minor number.
type Registry struct {
	mu      sync.Mutex
	devices map[string]registration
	minors  map[int]string
}

type registration struct {
	dev   *Device
	minor int
}

// NewRegistry creates an empty device table.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]registration),
		minors:  make(map[int]string),
	}
}

// Register adds dev under name and returns its minor number.
func (r *Registry) Register(name string, dev *Device) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}

	minor := 0
	for {
		if _, used := r.minors[minor]; !used {
			break
		}
		minor++
	}

	r.devices[name] = registration{dev: dev, minor: minor}
	r.minors[minor] = name
	return minor, nil
}

// Deregister removes the device registered under name.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	delete(r.devices, name)
	delete(r.minors, reg.minor)
	return nil
}

// Lookup returns the device registered under name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.devices[name]
	return reg.dev, ok
}

// Names returns the registered device names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
