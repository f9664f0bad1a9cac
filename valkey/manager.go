package valkey

import (
	"sync"

	"sumlink/config"
)

// hooks are the callbacks every publisher of a manager shares.
type hooks struct {
	write     WriteHandler
	validate  WriteValidator
	onConnect func()
}

func (h hooks) apply(pub *Publisher) {
	pub.SetWriteHandler(h.write)
	pub.SetWriteValidator(h.validate)
	pub.SetOnConnectCallback(h.onConnect)
}

// Manager owns the publishers of one device, one per configured server.
type Manager struct {
	mu         sync.RWMutex
	publishers []*Publisher
	hooks      hooks
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// LoadFromConfig adds a publisher for every configured server.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, factory, device string) {
	for i := range configs {
		m.Add(&configs[i], factory, device)
	}
}

// Add creates a publisher with the manager's callbacks already set.
func (m *Manager) Add(cfg *config.ValkeyConfig, factory, device string) *Publisher {
	pub := NewPublisher(cfg, factory, device)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks.apply(pub)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove stops and drops the named publisher. It reports whether one was
// found.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var removed *Publisher
	kept := m.publishers[:0]
	for _, pub := range m.publishers {
		if removed == nil && pub.Name() == name {
			removed = pub
			continue
		}
		kept = append(kept, pub)
	}
	m.publishers = kept
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.Stop()
	return true
}

// Get returns the named publisher or nil.
func (m *Manager) Get(name string) *Publisher {
	for _, pub := range m.List() {
		if pub.Name() == name {
			return pub
		}
	}
	return nil
}

// List returns a copy of the publisher list.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Publisher(nil), m.publishers...)
}

// running returns the publishers that are connected right now.
func (m *Manager) running() []*Publisher {
	var out []*Publisher
	for _, pub := range m.List() {
		if pub.IsRunning() {
			out = append(out, pub)
		}
	}
	return out
}

// StartAll connects every enabled publisher and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.Config().Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.Name(), err)
			continue
		}
		debugLog("Started Valkey %s at %s", pub.Name(), pub.Address())
		started++
	}
	return started
}

// StopAll disconnects every publisher.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	return len(m.running()) > 0
}

// Publish stores a value on every connected server. Failures are logged.
func (m *Manager) Publish(variable, typeName string, value interface{}, writable bool) {
	for _, pub := range m.running() {
		if err := pub.Publish(variable, typeName, value, writable); err != nil {
			debugLog("Valkey publish error (%s): %v", pub.Name(), err)
		}
	}
}

// PublishHealth stores the device status on every connected server.
func (m *Manager) PublishHealth(online bool, status, errMsg string) {
	for _, pub := range m.running() {
		if err := pub.PublishHealth(online, status, errMsg); err != nil {
			debugLog("Valkey health publish error (%s): %v", pub.Name(), err)
		}
	}
}

// setHooks updates the shared callbacks and reapplies them.
func (m *Manager) setHooks(update func(h *hooks)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(&m.hooks)
	for _, pub := range m.publishers {
		m.hooks.apply(pub)
	}
}

// SetWriteHandler sets the handler for queued writes on every publisher.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.setHooks(func(h *hooks) { h.write = handler })
}

// SetWriteValidator sets the writable check on every publisher.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.setHooks(func(h *hooks) { h.validate = validator })
}

// SetOnConnectCallback sets the callback run after each publisher connects.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.setHooks(func(h *hooks) { h.onConnect = callback })
}
