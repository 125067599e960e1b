package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ciomsdb/internal/infra/persistence/storetest"
	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.Store { return NewStore(nil) })
}

func TestOpenUpgradesAdditively(t *testing.T) {
	ctx := context.Background()
	v1, err := schema.New(1, []schema.Collection{{Name: "a", Since: 1}})
	if err != nil {
		t.Fatalf("registry v1: %v", err)
	}
	s := NewStore(v1)
	id, err := s.Insert(ctx, "a", json.RawMessage(`{"k":"x"}`))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if s.SchemaVersion() != 1 {
		t.Fatalf("expected version 1, got %d", s.SchemaVersion())
	}
	_ = s.Close()

	v2, err := schema.New(2, []schema.Collection{
		{Name: "a", Since: 1, Indexes: []schema.Index{{Name: "k", Fields: []string{"k"}, Unique: true}}},
		{Name: "b", Since: 2},
	})
	if err != nil {
		t.Fatalf("registry v2: %v", err)
	}
	s.reg = v2
	if err := s.Open(ctx); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if s.SchemaVersion() != 2 {
		t.Fatalf("expected version 2, got %d", s.SchemaVersion())
	}
	docs, err := s.GetAllByIndex(ctx, "a", "k", "x")
	if err != nil || len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("expected new index to cover existing rows: %+v %v", docs, err)
	}
	if _, err := s.Insert(ctx, "b", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected new collection: %v", err)
	}

	_ = s.Close()
	s.reg = v1
	if err := s.Open(ctx); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected downgrade to be refused, got %v", err)
	}
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	id, err := s.Insert(ctx, domain.CollectionReports, json.RawMessage(`{"manufacturer_control_no":"C"}`))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	doc, _, _ := s.Get(ctx, domain.CollectionReports, id)
	doc.Body[2] = 'X'
	again, _, _ := s.Get(ctx, domain.CollectionReports, id)
	if string(again.Body) != `{"manufacturer_control_no":"C"}` {
		t.Fatalf("stored body mutated through returned copy: %s", again.Body)
	}
}
