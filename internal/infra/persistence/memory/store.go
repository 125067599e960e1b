// Package memory provides an in-memory implementation of the document store
// used for tests and ephemeral environments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"ciomsdb/internal/infra/persistence/onceopen"
	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.Store = (*Store)(nil)

type indexState struct {
	def  schema.Index
	keys map[string]map[int64]struct{}
}

type collectionState struct {
	rows    map[int64]json.RawMessage
	lastID  int64
	indexes map[string]*indexState
}

// Store keeps collections in process memory. Data survives Close so that a
// reopened store behaves like a reopened file.
type Store struct {
	mu      sync.RWMutex
	reg     *schema.Registry
	opener  onceopen.Opener
	version int
	colls   map[string]*collectionState
}

// NewStore constructs an empty store for the registry; nil selects schema.Default().
func NewStore(reg *schema.Registry) *Store {
	if reg == nil {
		reg = schema.Default()
	}
	return &Store{reg: reg, colls: make(map[string]*collectionState)}
}

// Open ensures the schema. It is safe to call repeatedly and concurrently.
func (s *Store) Open(ctx context.Context) error {
	return s.opener.Do(ctx, s.open)
}

func (s *Store) open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, err := s.reg.Plan(s.version)
	if err != nil {
		return &domain.StorageError{Op: "open", Err: err}
	}
	for _, step := range steps {
		for _, c := range step.Collections {
			s.ensureCollection(c)
		}
		s.version = step.To
	}
	return nil
}

func (s *Store) ensureCollection(c schema.Collection) {
	cs, ok := s.colls[c.Name]
	if !ok {
		cs = &collectionState{rows: make(map[int64]json.RawMessage), indexes: make(map[string]*indexState)}
		s.colls[c.Name] = cs
	}
	for _, def := range c.Indexes {
		if _, ok := cs.indexes[def.Name]; ok {
			continue
		}
		idx := &indexState{def: def, keys: make(map[string]map[int64]struct{})}
		for id, body := range cs.rows {
			if key, ok := indexKey(def, body); ok {
				idx.add(key, id)
			}
		}
		cs.indexes[def.Name] = idx
	}
}

// SchemaVersion reports the schema version the store was last opened at.
func (s *Store) SchemaVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close forgets the open; the next operation reopens the store.
func (s *Store) Close() error {
	s.opener.Reset()
	return nil
}

// collection must be called with s.mu held and after Open.
func (s *Store) collection(name string) (*collectionState, error) {
	if _, err := s.reg.Lookup(name); err != nil {
		return nil, err
	}
	cs, ok := s.colls[name]
	if !ok {
		return nil, &domain.NotFoundError{Collection: "collection", Name: name}
	}
	return cs, nil
}

// Insert stores body under a fresh id.
func (s *Store) Insert(ctx context.Context, collection string, body json.RawMessage) (int64, error) {
	if err := s.Open(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	id := cs.lastID + 1
	if err := cs.write(collection, id, body); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns a copy of the stored row.
func (s *Store) Get(ctx context.Context, collection string, id int64) (domain.Document, bool, error) {
	if err := s.Open(ctx); err != nil {
		return domain.Document{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, err := s.collection(collection)
	if err != nil {
		return domain.Document{}, false, err
	}
	body, ok := cs.rows[id]
	if !ok {
		return domain.Document{}, false, nil
	}
	return domain.Document{ID: id, Body: cloneRaw(body)}, true, nil
}

// GetAllByIndex returns the rows whose index key equals values, by ascending id.
func (s *Store) GetAllByIndex(ctx context.Context, collection, index string, values ...any) ([]domain.Document, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	def, err := s.reg.Index(collection, index)
	if err != nil {
		return nil, err
	}
	if len(values) != len(def.Fields) {
		return nil, fmt.Errorf("index %s.%s takes %d values, got %d", collection, index, len(def.Fields), len(values))
	}
	key, err := schema.NormalizeAll(values)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	ids := cs.indexes[index].keys[schema.KeyString(key)]
	out := make([]domain.Document, 0, len(ids))
	for id := range ids {
		out = append(out, domain.Document{ID: id, Body: cloneRaw(cs.rows[id])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Scan returns every row by ascending id.
func (s *Store) Scan(ctx context.Context, collection string) ([]domain.Document, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(cs.rows))
	for id, body := range cs.rows {
		out = append(out, domain.Document{ID: id, Body: cloneRaw(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put upserts doc under doc.ID.
func (s *Store) Put(ctx context.Context, collection string, doc domain.Document) (int64, error) {
	if doc.ID <= 0 {
		return 0, fmt.Errorf("put %s: record must have an id", collection)
	}
	if err := s.Open(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	if err := cs.write(collection, doc.ID, doc.Body); err != nil {
		return 0, err
	}
	return doc.ID, nil
}

// Delete removes id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, collection string, id int64) (bool, error) {
	if err := s.Open(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.collection(collection)
	if err != nil {
		return false, err
	}
	body, ok := cs.rows[id]
	if !ok {
		return false, nil
	}
	cs.unindex(id, body)
	delete(cs.rows, id)
	return true, nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.Open(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return len(cs.rows), nil
}

// Clear drops every row but keeps the id sequence.
func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.collection(collection)
	if err != nil {
		return err
	}
	cs.rows = make(map[int64]json.RawMessage)
	for _, idx := range cs.indexes {
		idx.keys = make(map[string]map[int64]struct{})
	}
	return nil
}

// write validates uniqueness for every index before touching state, so a rejected
// write leaves the collection unchanged.
func (cs *collectionState) write(collection string, id int64, body json.RawMessage) error {
	if !json.Valid(body) {
		return fmt.Errorf("%s: body is not valid JSON", collection)
	}
	keys := make(map[string]string, len(cs.indexes))
	for name, idx := range cs.indexes {
		key, ok, err := schema.ExtractKey(body, idx.def.Fields)
		if err != nil {
			return fmt.Errorf("%s: %w", collection, err)
		}
		if !ok {
			continue
		}
		ks := schema.KeyString(key)
		if idx.def.Unique {
			for other := range idx.keys[ks] {
				if other != id {
					return &domain.ConstraintError{Collection: collection, Index: name}
				}
			}
		}
		keys[name] = ks
	}
	if old, ok := cs.rows[id]; ok {
		cs.unindex(id, old)
	}
	cs.rows[id] = cloneRaw(body)
	for name, ks := range keys {
		cs.indexes[name].add(ks, id)
	}
	if id > cs.lastID {
		cs.lastID = id
	}
	return nil
}

func (cs *collectionState) unindex(id int64, body json.RawMessage) {
	for _, idx := range cs.indexes {
		if key, ok := indexKey(idx.def, body); ok {
			idx.remove(key, id)
		}
	}
}

func indexKey(def schema.Index, body json.RawMessage) (string, bool) {
	key, ok, err := schema.ExtractKey(body, def.Fields)
	if err != nil || !ok {
		return "", false
	}
	return schema.KeyString(key), true
}

func (idx *indexState) add(key string, id int64) {
	set, ok := idx.keys[key]
	if !ok {
		set = make(map[int64]struct{})
		idx.keys[key] = set
	}
	set[id] = struct{}{}
}

func (idx *indexState) remove(key string, id int64) {
	set := idx.keys[key]
	delete(set, id)
	if len(set) == 0 {
		delete(idx.keys, key)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
