package clinicsync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Record is one stored value.
type Record struct {
	Key   string
	Value []byte
}

// Mutation is one write in an atomic batch. Delete removes Key.
type Mutation struct {
	Collection string
	Key        string
	Value      []byte
	Delete     bool
}

// Backend is the key-value persistence partitioned by collection name.
// Apply must commit the whole batch or nothing.
type Backend interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	List(ctx context.Context, collection string) ([]Record, error)
	Collections(ctx context.Context) ([]string, error)
	Apply(ctx context.Context, batch []Mutation) error
	DropCollection(ctx context.Context, collection string) error
	Close() error
}

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is a goroutine-safe in-memory Backend. A positive quota
// limits the total stored bytes; writes past it fail with ErrQuotaExceeded.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	size   int64
	quota  int64
	closed bool
}

// NewMemoryBackend creates an empty backend. quota <= 0 means unlimited.
func NewMemoryBackend(quota int64) *MemoryBackend {
	return &MemoryBackend{
		data:  make(map[string]map[string][]byte),
		quota: quota,
	}
}

func (m *MemoryBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) List(_ context.Context, collection string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	coll := m.data[collection]
	out := make([]Record, 0, len(coll))
	for k, v := range coll {
		out = append(out, Record{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) Collections(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.data))
	for name, coll := range m.data {
		if len(coll) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) Apply(_ context.Context, batch []Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	// Compute the resulting size first so a rejected batch leaves no trace.
	size := m.size
	for _, mu := range batch {
		old, ok := m.data[mu.Collection][mu.Key]
		if ok {
			size -= entrySize(mu.Key, old)
		}
		if !mu.Delete {
			size += entrySize(mu.Key, mu.Value)
		}
	}
	if m.quota > 0 && size > m.quota && size > m.size {
		return ErrQuotaExceeded
	}

	for _, mu := range batch {
		coll := m.data[mu.Collection]
		if mu.Delete {
			if coll != nil {
				if old, ok := coll[mu.Key]; ok {
					m.size -= entrySize(mu.Key, old)
					delete(coll, mu.Key)
				}
			}
			continue
		}
		if coll == nil {
			coll = make(map[string][]byte)
			m.data[mu.Collection] = coll
		}
		if old, ok := coll[mu.Key]; ok {
			m.size -= entrySize(mu.Key, old)
		}
		coll[mu.Key] = append([]byte(nil), mu.Value...)
		m.size += entrySize(mu.Key, mu.Value)
	}
	return nil
}

func (m *MemoryBackend) DropCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k, v := range m.data[collection] {
		m.size -= entrySize(k, v)
	}
	delete(m.data, collection)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Size returns the number of stored bytes.
func (m *MemoryBackend) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// collectionName joins a collection family and a partition ("entity/appointment").
func collectionName(family, partition string) string {
	return family + "/" + partition
}

func partitionOf(collection, family string) (string, bool) {
	return strings.CutPrefix(collection, family+"/")
}
