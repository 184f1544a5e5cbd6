package eh

import "sync"

// Registry hands out engine instances to clients. Devices are added as
// they are probed; a client claims one with Create, installing its
// completion callback, and returns it with Destroy.
type Registry struct {
	mu      sync.Mutex
	free    []*Device
	claimed map[*Device]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{claimed: make(map[*Device]struct{})}
}

// Add registers a probed device as available for claiming.
func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	r.free = append(r.free, d)
	r.mu.Unlock()
}

// Create claims the first available device and installs the client's
// compression and decompression callbacks on it. Returns
// ErrCodeDeviceNotFound when every device is claimed.
func (r *Registry) Create(compress, decompress CallbackFn) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return nil, NewError("CREATE", ErrCodeDeviceNotFound, "no free device")
	}
	d := r.free[0]
	r.free = r.free[1:]
	r.claimed[d] = struct{}{}

	d.SetCallback(compress)
	d.SetDecompressCallback(decompress)
	return d, nil
}

// Destroy returns a claimed device to the pool. The callbacks are
// removed; the device itself stays up. Unknown devices are an error.
func (r *Registry) Destroy(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claimed[d]; !ok {
		return NewError("DESTROY", ErrCodeDeviceNotFound, "device not claimed here")
	}
	delete(r.claimed, d)
	d.SetCallback(nil)
	d.SetDecompressCallback(nil)
	r.free = append(r.free, d)
	return nil
}

// Close tears down every device the registry knows about.
func (r *Registry) Close() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.free)+len(r.claimed))
	devices = append(devices, r.free...)
	for d := range r.claimed {
		devices = append(devices, d)
	}
	r.free = nil
	r.claimed = make(map[*Device]struct{})
	r.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
}
