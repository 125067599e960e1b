// Package storetest holds the behaviour every domain.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"ciomsdb/pkg/domain"
)

// Factory returns a fresh, unopened store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) domain.Store

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("OpenIsIdempotentUnderConcurrency", func(t *testing.T) { testConcurrentOpen(t, newStore(t)) })
	t.Run("InsertGetAndIDsMonotonic", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("UniqueIndexes", func(t *testing.T) { testUnique(t, newStore(t)) })
	t.Run("CompoundIndexLookup", func(t *testing.T) { testCompound(t, newStore(t)) })
	t.Run("PutUpsertsAndAdvancesSequence", func(t *testing.T) { testPut(t, newStore(t)) })
	t.Run("DeleteCountClear", func(t *testing.T) { testDeleteCountClear(t, newStore(t)) })
	t.Run("UnknownNames", func(t *testing.T) { testUnknown(t, newStore(t)) })
	t.Run("ReopenKeepsData", func(t *testing.T) { testReopen(t, newStore(t)) })
}

func body(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func field(t *testing.T, doc domain.Document, name string) any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(doc.Body, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", doc.Body, err)
	}
	return m[name]
}

func testConcurrentOpen(t *testing.T, s domain.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Open(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if n, err := s.Count(ctx, domain.CollectionReports); err != nil || n != 0 {
		t.Fatalf("expected empty reports after open: %d %v", n, err)
	}
}

func testInsertGet(t *testing.T, s domain.Store) {
	ctx := context.Background()
	id1, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "A-1", "date_received": "2024-01-10"}))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id2, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "A-2", "date_received": "2024-01-11"}))
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if id1 <= 0 || id2 <= id1 {
		t.Fatalf("expected increasing ids, got %d then %d", id1, id2)
	}
	doc, ok, err := s.Get(ctx, domain.CollectionReports, id1)
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if doc.ID != id1 || field(t, doc, "manufacturer_control_no") != "A-1" {
		t.Fatalf("unexpected document %d %s", doc.ID, doc.Body)
	}
	if _, ok, err := s.Get(ctx, domain.CollectionReports, id2+100); err != nil || ok {
		t.Fatalf("expected absent record, got ok=%v err=%v", ok, err)
	}
	if _, err := s.Delete(ctx, domain.CollectionReports, id2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	id3, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "A-3"}))
	if err != nil {
		t.Fatalf("insert third: %v", err)
	}
	if id3 <= id2 {
		t.Fatalf("ids must never be reused: %d after deleting %d", id3, id2)
	}
	docs, err := s.Scan(ctx, domain.CollectionReports)
	if err != nil || len(docs) != 2 || docs[0].ID != id1 || docs[1].ID != id3 {
		t.Fatalf("expected scan in id order, got %+v %v", docs, err)
	}
	if _, err := s.Insert(ctx, domain.CollectionReports, json.RawMessage(`not json`)); err == nil {
		t.Fatalf("expected invalid body to fail")
	}
}

func testUnique(t *testing.T, s domain.Store) {
	ctx := context.Background()
	if _, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "DUP"})); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "DUP"}))
	if !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if n, _ := s.Count(ctx, domain.CollectionReports); n != 1 {
		t.Fatalf("rejected insert must not be stored, count=%d", n)
	}
	// Rows without the indexed field are not indexed and never collide.
	for i := 0; i < 2; i++ {
		if _, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"date_received": "2024-01-10"})); err != nil {
			t.Fatalf("insert without control number: %v", err)
		}
	}
	if _, err := s.Insert(ctx, domain.CollectionPatients, body(t, map[string]any{"form_id": 1, "initials": "AB"})); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	if _, err := s.Insert(ctx, domain.CollectionPatients, body(t, map[string]any{"form_id": 1, "initials": "CD"})); !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected one patient per form, got %v", err)
	}
}

func testCompound(t *testing.T, s domain.Store) {
	ctx := context.Background()
	rows := []map[string]any{
		{"form_id": 1, "is_suspected": true, "sequence_no": 1, "drug_name_en": "A"},
		{"form_id": 1, "is_suspected": true, "sequence_no": 2, "drug_name_en": "B"},
		{"form_id": 1, "is_suspected": false, "sequence_no": 1, "drug_name_en": "C"},
		{"form_id": 2, "is_suspected": true, "sequence_no": 1, "drug_name_en": "D"},
	}
	for _, r := range rows {
		if _, err := s.Insert(ctx, domain.CollectionDrugs, body(t, r)); err != nil {
			t.Fatalf("insert drug: %v", err)
		}
	}
	_, err := s.Insert(ctx, domain.CollectionDrugs, body(t, map[string]any{"form_id": 1, "is_suspected": false, "sequence_no": 1}))
	if !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected compound unique violation, got %v", err)
	}
	docs, err := s.GetAllByIndex(ctx, domain.CollectionDrugs, "form_id", int64(1))
	if err != nil || len(docs) != 3 {
		t.Fatalf("expected three drugs for form 1, got %d %v", len(docs), err)
	}
	docs, err = s.GetAllByIndex(ctx, domain.CollectionDrugs, "is_suspected", false)
	if err != nil || len(docs) != 1 || field(t, docs[0], "drug_name_en") != "C" {
		t.Fatalf("expected one concomitant drug, got %+v %v", docs, err)
	}
	docs, err = s.GetAllByIndex(ctx, domain.CollectionDrugs, "form_drug_sequence", 1, true, 2)
	if err != nil || len(docs) != 1 || field(t, docs[0], "drug_name_en") != "B" {
		t.Fatalf("expected compound lookup to find B, got %+v %v", docs, err)
	}
	if _, err := s.GetAllByIndex(ctx, domain.CollectionDrugs, "form_drug_sequence", 1); err == nil {
		t.Fatalf("expected arity error")
	}
	docs, err = s.GetAllByIndex(ctx, domain.CollectionDrugs, "form_id", 99)
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected empty lookup, got %d %v", len(docs), err)
	}
}

func testPut(t *testing.T, s domain.Store) {
	ctx := context.Background()
	id, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "P-1"}))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Put(ctx, domain.CollectionReports, domain.Document{ID: id, Body: body(t, map[string]any{"manufacturer_control_no": "P-1b"})}); err != nil {
		t.Fatalf("put update: %v", err)
	}
	docs, err := s.GetAllByIndex(ctx, domain.CollectionReports, "manufacturer_control_no", "P-1")
	if err != nil || len(docs) != 0 {
		t.Fatalf("old index key must be gone: %d %v", len(docs), err)
	}
	docs, err = s.GetAllByIndex(ctx, domain.CollectionReports, "manufacturer_control_no", "P-1b")
	if err != nil || len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("expected updated key, got %+v %v", docs, err)
	}
	created, err := s.Put(ctx, domain.CollectionReports, domain.Document{ID: id + 50, Body: body(t, map[string]any{"manufacturer_control_no": "P-50"})})
	if err != nil || created != id+50 {
		t.Fatalf("put create: %d %v", created, err)
	}
	next, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "P-next"}))
	if err != nil || next <= id+50 {
		t.Fatalf("sequence must advance past explicit ids, got %d %v", next, err)
	}
	_, err = s.Put(ctx, domain.CollectionReports, domain.Document{ID: id, Body: body(t, map[string]any{"manufacturer_control_no": "P-50"})})
	if !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected put to enforce uniqueness, got %v", err)
	}
	if _, err := s.Put(ctx, domain.CollectionReports, domain.Document{Body: body(t, map[string]any{})}); err == nil {
		t.Fatalf("expected put without id to fail")
	}
}

func testDeleteCountClear(t *testing.T, s domain.Store) {
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Insert(ctx, domain.CollectionReactions, body(t, map[string]any{"form_id": 7, "sequence_no": i + 1}))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
	}
	if n, err := s.Count(ctx, domain.CollectionReactions); err != nil || n != 3 {
		t.Fatalf("count: %d %v", n, err)
	}
	ok, err := s.Delete(ctx, domain.CollectionReactions, ids[0])
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = s.Delete(ctx, domain.CollectionReactions, ids[0])
	if err != nil || ok {
		t.Fatalf("second delete should report absent: %v %v", ok, err)
	}
	if docs, _ := s.GetAllByIndex(ctx, domain.CollectionReactions, "form_id", 7); len(docs) != 2 {
		t.Fatalf("expected index to drop deleted row, got %d", len(docs))
	}
	if err := s.Clear(ctx, domain.CollectionReactions); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx, domain.CollectionReactions); n != 0 {
		t.Fatalf("expected empty after clear, got %d", n)
	}
	if docs, _ := s.GetAllByIndex(ctx, domain.CollectionReactions, "form_id", 7); len(docs) != 0 {
		t.Fatalf("expected index cleared, got %d", len(docs))
	}
	id, err := s.Insert(ctx, domain.CollectionReactions, body(t, map[string]any{"form_id": 7, "sequence_no": 1}))
	if err != nil || id <= ids[2] {
		t.Fatalf("clear must not reset ids: %d %v", id, err)
	}
}

func testUnknown(t *testing.T, s domain.Store) {
	ctx := context.Background()
	if _, err := s.Insert(ctx, "nope", json.RawMessage(`{}`)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown collection, got %v", err)
	}
	if _, err := s.Scan(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for scan of unknown collection, got %v", err)
	}
	if _, err := s.GetAllByIndex(ctx, domain.CollectionReports, "nope", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown index, got %v", err)
	}
}

func testReopen(t *testing.T, s domain.Store) {
	ctx := context.Background()
	id, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "R-1"}))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok, err := s.Get(ctx, domain.CollectionReports, id); err != nil || !ok {
		t.Fatalf("expected data to survive reopen: %v %v", ok, err)
	}
	if _, err := s.Insert(ctx, domain.CollectionReports, body(t, map[string]any{"manufacturer_control_no": "R-1"})); !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected indexes to survive reopen, got %v", err)
	}
}
