package core

import (
	"io"
	"time"
)

// HookedModule is a loaded module and the declarations it introduced.
type HookedModule struct {
	Key          string
	Name         string
	Path         string
	Description  string
	Declarations []string
	LoadedAt     time.Time
	Fingerprint  uint64
	// Generation changes on every hook of Key so stale handlers from an
	// earlier load never pass the activation check.
	Generation string

	watchers []Subscription
	closer   io.Closer
}

// HookTable maps module keys to hooked modules and declarations back to
// their module.
type HookTable struct {
	modules map[string]*HookedModule
	order   []string
	owners  map[string]string
}

// NewHookTable returns an empty table.
func NewHookTable() *HookTable {
	return &HookTable{
		modules: map[string]*HookedModule{},
		owners:  map[string]string{},
	}
}

// Has reports whether key is hooked.
func (t *HookTable) Has(key string) bool {
	_, ok := t.modules[key]
	return ok
}

// Get returns the module hooked under key.
func (t *HookTable) Get(key string) (*HookedModule, bool) {
	m, ok := t.modules[key]
	return m, ok
}

// Put records m. It reports false and changes nothing when m.Key is already present.
func (t *HookTable) Put(m *HookedModule) bool {
	if t.Has(m.Key) {
		return false
	}
	t.modules[m.Key] = m
	t.order = append(t.order, m.Key)
	for _, decl := range m.Declarations {
		t.owners[decl] = m.Key
	}
	return true
}

// Delete removes key and returns the module that was hooked.
func (t *HookTable) Delete(key string) *HookedModule {
	m, ok := t.modules[key]
	if !ok {
		return nil
	}
	delete(t.modules, key)
	for _, decl := range m.Declarations {
		if t.owners[decl] == key {
			delete(t.owners, decl)
		}
	}
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return m
}

// ModuleOf returns the key of the module that declared decl.
func (t *HookTable) ModuleOf(decl string) (string, bool) {
	key, ok := t.owners[decl]
	return key, ok
}

// Keys lists hooked module keys in hook order.
func (t *HookTable) Keys() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of hooked modules.
func (t *HookTable) Len() int { return len(t.modules) }
