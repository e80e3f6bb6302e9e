package cache

import (
	"container/list"
	"sort"
	"sync"
)

type memStore struct {
	// entries in insertion order
	order *list.List
	items map[string]*list.Element
}

func newMemStore() *memStore {
	return &memStore{
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// MemProvider keeps all stores in memory.
type MemProvider struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m MemProvider) Open(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = newMemStore()
	}
	return nil
}

func (m MemProvider) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemProvider) DeleteAll(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.stores, name)
	return nil
}

func (m MemProvider) Get(name, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	store, ok := m.stores[name]
	if !ok {
		return Entry{}, false, nil
	}
	elem, ok := store.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry := elem.Value.(Entry)
	entry.Payload = entry.Payload.Clone()
	return entry, true, nil
}

func (m MemProvider) Put(name string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	store, ok := m.stores[name]
	if !ok {
		store = newMemStore()
		m.stores[name] = store
	}
	if elem, ok := store.items[entry.Key]; ok {
		store.order.Remove(elem)
	}
	entry.Payload = entry.Payload.Clone()
	store.items[entry.Key] = store.order.PushBack(entry)
	return nil
}

func (m MemProvider) Delete(name, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	store, ok := m.stores[name]
	if !ok {
		return nil
	}
	if elem, ok := store.items[key]; ok {
		store.order.Remove(elem)
		delete(store.items, key)
	}
	return nil
}

func (m MemProvider) Keys(name string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	store, ok := m.stores[name]
	if !ok {
		return []string{}, nil
	}
	entries := make([]Entry, 0, store.order.Len())
	for elem := store.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(Entry))
	}
	// the list is in insertion order, so a stable sort keeps ties in that order
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

var _ Provider = MemProvider{}
