package client

import (
	"sync"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
)

// Partial is a sparse element update, the shape the builder UI edits in.
type Partial struct {
	Type     *string
	ParentID *string
	Styles   map[string]any
	Settings map[string]any
	Children []string
}

// ElementStore is the UI-facing element store the session reconciles with.
// The page builder owns the implementation; the reconciliation bridge is the
// only caller allowed to push server-originated data through LoadElements.
type ElementStore interface {
	LoadElements(f *element.Forest)
	AddElement(el *element.Element)
	UpdateElement(id string, patch Partial)
	DeleteElement(id string)
	Tree() *element.Forest
}

// MemoryStore is the in-process ElementStore used by the headless agent and
// the test suite. It counts loads and local mutations separately so echo
// behavior is observable.
type MemoryStore struct {
	mu        sync.Mutex
	forest    *element.Forest
	onMutate  func()
	loads     int
	mutations int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{forest: element.NewForest()}
}

// OnMutate registers the hook fired after every local mutation. Loads of
// server-originated data do not fire it.
func (m *MemoryStore) OnMutate(cb func()) {
	m.mu.Lock()
	m.onMutate = cb
	m.mu.Unlock()
}

func (m *MemoryStore) LoadElements(f *element.Forest) {
	m.mu.Lock()
	m.forest = f.Clone()
	m.loads++
	m.mu.Unlock()
}

func (m *MemoryStore) AddElement(el *element.Element) {
	m.mu.Lock()
	m.forest.Put(el)
	m.mutations++
	cb := m.onMutate
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *MemoryStore) UpdateElement(id string, patch Partial) {
	m.mu.Lock()
	el, ok := m.forest.Get(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	if patch.Type != nil {
		el.Type = *patch.Type
	}
	if patch.ParentID != nil {
		el.ParentID = *patch.ParentID
	}
	if patch.Styles != nil {
		if el.Styles == nil {
			el.Styles = make(map[string]any, len(patch.Styles))
		}
		for k, v := range patch.Styles {
			el.Styles[k] = v
		}
	}
	if patch.Settings != nil {
		if el.Settings == nil {
			el.Settings = make(map[string]any, len(patch.Settings))
		}
		for k, v := range patch.Settings {
			el.Settings[k] = v
		}
	}
	if patch.Children != nil {
		el.Children = append([]string{}, patch.Children...)
	}
	m.forest.Put(el)
	m.mutations++
	cb := m.onMutate
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *MemoryStore) DeleteElement(id string) {
	m.mu.Lock()
	m.forest.Delete(id)
	m.mutations++
	cb := m.onMutate
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *MemoryStore) Tree() *element.Forest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forest.Clone()
}

// LoadCount reports how many times server-originated data replaced the tree.
func (m *MemoryStore) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// MutationCount reports local edits only.
func (m *MemoryStore) MutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}
