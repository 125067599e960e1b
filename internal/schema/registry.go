// Package schema declares the collections of the CIOMS-I form database and
// the additive migrations that create them.
package schema

import (
	"fmt"

	"ciomsdb/pkg/domain"
)

const (
	// Name is the fixed name of the store.
	Name = "CiomsFormDB"
	// Version is the schema version this build declares.
	Version = 1
)

// Index is a named index over one or more top-level JSON fields.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// Collection declares one document collection and its indexes.
type Collection struct {
	Name    string
	Indexes []Index
	// Since is the schema version that introduced the collection.
	Since int
}

// Index returns the named index.
func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Registry is the declared schema. It is immutable after construction.
type Registry struct {
	version     int
	collections []Collection
	byName      map[string]int
}

var defaultRegistry = newRegistry(Version, []Collection{
	{
		Name: domain.CollectionReports,
		Indexes: []Index{
			{Name: "manufacturer_control_no", Fields: []string{"manufacturer_control_no"}, Unique: true},
			{Name: "date_received", Fields: []string{"date_received"}},
			{Name: "created_at", Fields: []string{"created_at"}},
		},
		Since: 1,
	},
	{
		Name: domain.CollectionPatients,
		Indexes: []Index{
			{Name: "form_id", Fields: []string{"form_id"}, Unique: true},
			{Name: "country", Fields: []string{"country"}},
			{Name: "initials", Fields: []string{"initials"}},
		},
		Since: 1,
	},
	{
		Name: domain.CollectionReactions,
		Indexes: []Index{
			{Name: "form_id", Fields: []string{"form_id"}},
			{Name: "reaction_en", Fields: []string{"reaction_en"}},
			{Name: "reaction_ko", Fields: []string{"reaction_ko"}},
			{Name: "form_sequence", Fields: []string{"form_id", "sequence_no"}, Unique: true},
		},
		Since: 1,
	},
	{
		Name: domain.CollectionDrugs,
		Indexes: []Index{
			{Name: "form_id", Fields: []string{"form_id"}},
			{Name: "drug_name_en", Fields: []string{"drug_name_en"}},
			{Name: "drug_name_ko", Fields: []string{"drug_name_ko"}},
			{Name: "is_suspected", Fields: []string{"is_suspected"}},
			{Name: "form_drug_sequence", Fields: []string{"form_id", "is_suspected", "sequence_no"}, Unique: true},
		},
		Since: 1,
	},
	{
		Name: domain.CollectionLabResults,
		Indexes: []Index{
			{Name: "form_id", Fields: []string{"form_id"}},
			{Name: "test_name", Fields: []string{"test_name"}},
			{Name: "date_performed", Fields: []string{"date_performed"}},
			{Name: "form_lab_sequence", Fields: []string{"form_id", "sequence_no"}, Unique: true},
		},
		Since: 1,
	},
	{
		Name: domain.CollectionCausality,
		Indexes: []Index{
			{Name: "form_id", Fields: []string{"form_id"}, Unique: true},
		},
		Since: 1,
	},
	{
		Name: domain.CollectionAuditLogs,
		Indexes: []Index{
			{Name: "timestamp", Fields: []string{"timestamp"}},
			{Name: "action", Fields: []string{"action"}},
			{Name: "table_name", Fields: []string{"table_name"}},
			{Name: "record_id", Fields: []string{"record_id"}},
		},
		Since: 1,
	},
})

// Default returns the registry of this build.
func Default() *Registry { return defaultRegistry }

// New builds a custom registry. It is used by tests that exercise upgrades.
func New(version int, collections []Collection) (*Registry, error) {
	seen := make(map[string]bool, len(collections))
	for _, c := range collections {
		if c.Name == "" {
			return nil, fmt.Errorf("schema: collection without name")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("schema: duplicate collection %s", c.Name)
		}
		seen[c.Name] = true
		if c.Since < 1 || c.Since > version {
			return nil, fmt.Errorf("schema: collection %s introduced at version %d outside 1..%d", c.Name, c.Since, version)
		}
		idx := make(map[string]bool, len(c.Indexes))
		for _, i := range c.Indexes {
			if i.Name == "" || len(i.Fields) == 0 {
				return nil, fmt.Errorf("schema: collection %s has an incomplete index", c.Name)
			}
			if idx[i.Name] {
				return nil, fmt.Errorf("schema: collection %s declares index %s twice", c.Name, i.Name)
			}
			idx[i.Name] = true
		}
	}
	return newRegistry(version, collections), nil
}

func newRegistry(version int, collections []Collection) *Registry {
	r := &Registry{version: version, collections: collections, byName: make(map[string]int, len(collections))}
	for i, c := range collections {
		r.byName[c.Name] = i
	}
	return r
}

// Version returns the declared schema version.
func (r *Registry) Version() int { return r.version }

// Collections returns the collections in declaration order.
func (r *Registry) Collections() []Collection {
	out := make([]Collection, len(r.collections))
	copy(out, r.collections)
	return out
}

// Names returns collection names in declaration order, root first.
func (r *Registry) Names() []string {
	out := make([]string, len(r.collections))
	for i, c := range r.collections {
		out[i] = c.Name
	}
	return out
}

// Collection looks up a collection by name.
func (r *Registry) Collection(name string) (Collection, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Collection{}, false
	}
	return r.collections[i], true
}

// Lookup is Collection with a domain error for unknown names.
func (r *Registry) Lookup(name string) (Collection, error) {
	c, ok := r.Collection(name)
	if !ok {
		return Collection{}, &domain.NotFoundError{Collection: "collection", Name: name}
	}
	return c, nil
}

// Index resolves a collection index, failing with a domain error when either is unknown.
func (r *Registry) Index(collection, index string) (Index, error) {
	c, err := r.Lookup(collection)
	if err != nil {
		return Index{}, err
	}
	idx, ok := c.Index(index)
	if !ok {
		return Index{}, &domain.NotFoundError{Collection: collection + " index", Name: index}
	}
	return idx, nil
}

// Migration lists the collections a single upgrade step creates.
type Migration struct {
	From, To    int
	Collections []Collection
}

// Plan returns the additive steps that take a store from stored to the declared version.
// A store newer than this build is refused.
func (r *Registry) Plan(stored int) ([]Migration, error) {
	if stored > r.version {
		return nil, fmt.Errorf("schema: store %s is at version %d, newer than supported %d", Name, stored, r.version)
	}
	var steps []Migration
	for v := stored + 1; v <= r.version; v++ {
		step := Migration{From: v - 1, To: v}
		for _, c := range r.collections {
			if c.Since <= v {
				step.Collections = append(step.Collections, c)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}
