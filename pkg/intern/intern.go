// Package intern maps schema, user and client names to small integer ids.
package intern

import "sync"

// ID is an interned name id. The zero ID stands for "no name".
type ID uint32

// InvalidID is returned for empty names.
const InvalidID ID = 0

// Map is an append-only name table. Ids are stable until Reset.
type Map struct {
	mu    sync.RWMutex
	ids   map[string]ID
	names []string
}

// New creates an empty name table.
func New() *Map {
	return &Map{
		ids:   make(map[string]ID),
		names: []string{""},
	}
}

// Intern returns the id for name, assigning the next id if the name is new.
// Safe for concurrent use.
func (m *Map) Intern(name string) ID {
	if name == "" {
		return InvalidID
	}

	m.mu.RLock()
	id, ok := m.ids[name]
	m.mu.RUnlock()
	if ok {
		return id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have interned it between the two locks.
	if id, ok := m.ids[name]; ok {
		return id
	}
	id = ID(len(m.names))
	m.ids[name] = id
	m.names = append(m.names, name)
	return id
}

// Name returns the name for id, or "" if the id is unknown.
func (m *Map) Name(id ID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(id) >= len(m.names) {
		return ""
	}
	return m.names[id]
}

// Len returns the number of interned names.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Reset starts a new epoch. Ids handed out before the reset must not be
// resolved afterwards.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(map[string]ID)
	m.names = []string{""}
}
