package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

type memoryDoc struct {
	data    map[string]interface{}
	version int64
	deleted bool
}

// MemoryStore is an in-process Store used by tests and the memory driver.
// Reads and commits take the lock separately, so concurrent transactions interleave and
// conflict exactly as they would against a remote store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[Ref]*memoryDoc
	opts Options
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{docs: make(map[Ref]*memoryDoc), opts: opts.withDefaults()}
}

// RunTransaction runs fn with optimistic concurrency and bounded retries.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return runTransaction(ctx, s, s.opts, fn)
}

// Get reads a single document outside any transaction.
func (s *MemoryStore) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	return s.get(ctx, ref)
}

// Query returns documents of collection whose field renders to value, ordered by id.
func (s *MemoryStore) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Snapshot
	for ref, doc := range s.docs {
		if ref.Collection != collection || doc.deleted {
			continue
		}
		v, ok := doc.data[field]
		if !ok || fmt.Sprint(v) != value {
			continue
		}
		out = append(out, Snapshot{Ref: ref, Exists: true, Data: cloneMap(doc.data), Version: doc.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

func (s *MemoryStore) get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[ref]
	if !ok {
		return &Snapshot{Ref: ref}, nil
	}
	if doc.deleted {
		return &Snapshot{Ref: ref, Version: doc.version}, nil
	}
	return &Snapshot{Ref: ref, Exists: true, Data: cloneMap(doc.data), Version: doc.version}, nil
}

func (s *MemoryStore) commit(ctx context.Context, muts []mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range muts {
		var current int64
		if doc, ok := s.docs[m.ref]; ok {
			current = doc.version
		}
		if current != m.expectedVersion {
			return fmt.Errorf("%w: %s at version %d, read %d", ErrConflict, m.ref, current, m.expectedVersion)
		}
	}

	for _, m := range muts {
		switch m.kind {
		case mutationDelete:
			s.docs[m.ref] = &memoryDoc{version: m.expectedVersion + 1, deleted: true}
		case mutationInsert, mutationUpdate:
			s.docs[m.ref] = &memoryDoc{data: cloneMap(m.data), version: m.expectedVersion + 1}
		}
	}
	return nil
}
