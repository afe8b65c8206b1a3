// Package mocks provides in-memory implementations of the core ports for
// tests. Each mock records its calls and supports error injection.
package mocks

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

// MockDocumentStore implements ports.DocumentStore in memory. Server ids are
// assigned as "srv-1", "srv-2", ... and creates carrying a localId are
// upserted the way the Postgres store does.
type MockDocumentStore struct {
	mu sync.Mutex

	docs    map[string]map[string]map[string]any
	order   map[string][]string
	byLocal map[string]string
	nextID  int

	listeners map[int]func([]ports.Document, error)
	nextSub   int

	// Connected drives CheckConnection.
	Connected bool
	// AutoNotify pushes a snapshot to listeners after every write.
	AutoNotify bool

	// Call tracking
	CreateCalls []map[string]any
	UpdateCalls []string
	CheckCalls  int

	// Error injection
	CreateError error
	UpdateError error
	ListenError error
	// FailCreates fails creates for these offline ids only.
	FailCreates map[string]error

	// BeforeCreate runs after the document is stored but before the call
	// returns, to simulate writes racing an in-flight push.
	BeforeCreate func(localID string)
}

var _ ports.DocumentStore = (*MockDocumentStore)(nil)

func NewMockDocumentStore() *MockDocumentStore {
	return &MockDocumentStore{
		docs:        make(map[string]map[string]map[string]any),
		order:       make(map[string][]string),
		byLocal:     make(map[string]string),
		listeners:   make(map[int]func([]ports.Document, error)),
		Connected:   true,
		FailCreates: make(map[string]error),
	}
}

func (m *MockDocumentStore) CheckConnection(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckCalls++
	return m.Connected
}

func (m *MockDocumentStore) SetConnected(v bool) {
	m.mu.Lock()
	m.Connected = v
	m.mu.Unlock()
}

func (m *MockDocumentStore) CreateDocument(ctx context.Context, collection string, data map[string]any) (ports.Document, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, maps.Clone(data))
	if m.CreateError != nil {
		err := m.CreateError
		m.mu.Unlock()
		return ports.Document{}, err
	}
	localID, _ := data[domain.FieldLocalID].(string)
	if err, ok := m.FailCreates[localID]; ok && localID != "" {
		m.mu.Unlock()
		return ports.Document{}, err
	}

	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	id, exists := "", false
	if localID != "" {
		id, exists = m.byLocal[collection+"/"+localID]
	}
	if !exists {
		m.nextID++
		id = fmt.Sprintf("srv-%d", m.nextID)
		m.order[collection] = append(m.order[collection], id)
		m.docs[collection][id] = maps.Clone(data)
		if localID != "" {
			m.byLocal[collection+"/"+localID] = id
		}
	}
	stored := maps.Clone(m.docs[collection][id])
	hook := m.BeforeCreate
	notify := m.AutoNotify
	m.mu.Unlock()

	if hook != nil {
		hook(localID)
	}
	if notify {
		m.Emit(collection)
	}
	return ports.Document{ID: id, Data: stored}, nil
}

func (m *MockDocumentStore) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, id)
	if m.UpdateError != nil {
		err := m.UpdateError
		m.mu.Unlock()
		return err
	}
	doc, ok := m.docs[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, collection, id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	notify := m.AutoNotify
	m.mu.Unlock()

	if notify {
		m.Emit(collection)
	}
	return nil
}

func (m *MockDocumentStore) ListenToCollection(ctx context.Context, collection string, onUpdate func([]ports.Document, error), opts ports.ListenOptions) (func(), error) {
	m.mu.Lock()
	if m.ListenError != nil {
		err := m.ListenError
		m.mu.Unlock()
		return nil, err
	}
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = onUpdate
	m.mu.Unlock()

	onUpdate(m.Documents(collection), nil)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}, nil
}

// Emit delivers the current collection to every listener.
func (m *MockDocumentStore) Emit(collection string) {
	docs := m.Documents(collection)
	m.mu.Lock()
	fns := make([]func([]ports.Document, error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(docs, nil)
	}
}

// Seed stores a document directly, bypassing call tracking.
func (m *MockDocumentStore) Seed(collection, id string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	if _, ok := m.docs[collection][id]; !ok {
		m.order[collection] = append(m.order[collection], id)
	}
	m.docs[collection][id] = maps.Clone(data)
}

// Remove deletes a document as another client would, without notifying.
func (m *MockDocumentStore) Remove(collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	maps.DeleteFunc(m.byLocal, func(_, v string) bool { return v == id })
	m.order[collection] = slices.DeleteFunc(m.order[collection], func(v string) bool { return v == id })
}

func (m *MockDocumentStore) Documents(collection string) []ports.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.order[collection]...)
	sort.Strings(ids)
	out := make([]ports.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, ports.Document{ID: id, Data: maps.Clone(m.docs[collection][id])})
	}
	return out
}

func (m *MockDocumentStore) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
