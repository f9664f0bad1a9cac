package tui

import "sync"

// LogStore fans log messages out to every attached debug tab, so local and
// remote sessions see the same log.
type LogStore struct {
	mu   sync.RWMutex
	tabs map[*DebugTab]struct{}
}

// NewLogStore creates an empty store.
func NewLogStore() *LogStore {
	return &LogStore{tabs: make(map[*DebugTab]struct{})}
}

// Attach starts delivering messages to tab.
func (s *LogStore) Attach(tab *DebugTab) {
	s.mu.Lock()
	s.tabs[tab] = struct{}{}
	s.mu.Unlock()
}

// Detach stops delivering messages to tab.
func (s *LogStore) Detach(tab *DebugTab) {
	s.mu.Lock()
	delete(s.tabs, tab)
	s.mu.Unlock()
}

// Count returns the number of attached tabs.
func (s *LogStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}

// Log writes to every attached tab. Safe to call from any goroutine.
func (s *LogStore) Log(format string, args ...interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tab := range s.tabs {
		tab.Log(format, args...)
	}
}
