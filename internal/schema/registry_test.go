package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ciomsdb/pkg/domain"
)

func TestDefaultRegistryDeclaresAllCollections(t *testing.T) {
	reg := Default()
	if reg.Version() != Version {
		t.Fatalf("expected version %d, got %d", Version, reg.Version())
	}
	want := []string{
		domain.CollectionReports, domain.CollectionPatients, domain.CollectionReactions,
		domain.CollectionDrugs, domain.CollectionLabResults, domain.CollectionCausality,
		domain.CollectionAuditLogs,
	}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d collections, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("collection %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	idx, err := reg.Index(domain.CollectionDrugs, "form_drug_sequence")
	if err != nil || !idx.Unique || len(idx.Fields) != 3 {
		t.Fatalf("unexpected drug sequence index %+v %v", idx, err)
	}
	idx, err = reg.Index(domain.CollectionReports, "manufacturer_control_no")
	if err != nil || !idx.Unique {
		t.Fatalf("control number index must be unique: %+v %v", idx, err)
	}
}

func TestRegistryLookupErrors(t *testing.T) {
	reg := Default()
	if _, err := reg.Lookup("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown collection, got %v", err)
	}
	if _, err := reg.Index(domain.CollectionReports, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown index, got %v", err)
	}
}

func TestNewRejectsBadDeclarations(t *testing.T) {
	cases := [][]Collection{
		{{Name: "", Since: 1}},
		{{Name: "a", Since: 1}, {Name: "a", Since: 1}},
		{{Name: "a", Since: 3}},
		{{Name: "a", Since: 1, Indexes: []Index{{Name: "x"}}}},
		{{Name: "a", Since: 1, Indexes: []Index{{Name: "x", Fields: []string{"f"}}, {Name: "x", Fields: []string{"g"}}}}},
	}
	for i, cols := range cases {
		if _, err := New(2, cols); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestPlanIsAdditive(t *testing.T) {
	reg, err := New(2, []Collection{{Name: "a", Since: 1}, {Name: "b", Since: 2}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	steps, err := reg.Plan(0)
	if err != nil || len(steps) != 2 {
		t.Fatalf("expected two steps from empty store: %v %d", err, len(steps))
	}
	if len(steps[0].Collections) != 1 || len(steps[1].Collections) != 2 {
		t.Fatalf("unexpected step contents %+v", steps)
	}
	steps, err = reg.Plan(1)
	if err != nil || len(steps) != 1 || steps[0].To != 2 {
		t.Fatalf("expected a single upgrade step: %+v %v", steps, err)
	}
	if steps, _ := reg.Plan(2); len(steps) != 0 {
		t.Fatalf("expected no steps at current version")
	}
	if _, err := reg.Plan(3); err == nil {
		t.Fatalf("expected newer store to be refused")
	}
}

func TestExtractKeyAndNormalize(t *testing.T) {
	body := json.RawMessage(`{"form_id":3,"is_suspected":true,"sequence_no":1.0,"note":null}`)
	key, ok, err := ExtractKey(body, []string{"form_id", "is_suspected", "sequence_no"})
	if err != nil || !ok {
		t.Fatalf("extract: %v %v", ok, err)
	}
	query, err := NormalizeAll([]any{3, true, int64(1)})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if KeyString(key) != KeyString(query) {
		t.Fatalf("expected %s to equal %s", KeyString(key), KeyString(query))
	}
	if _, ok, _ := ExtractKey(body, []string{"note"}); ok {
		t.Fatalf("null fields are not indexed")
	}
	if _, ok, _ := ExtractKey(body, []string{"missing"}); ok {
		t.Fatalf("missing fields are not indexed")
	}
	if _, _, err := ExtractKey(json.RawMessage(`[1]`), []string{"a"}); err == nil {
		t.Fatalf("expected error for non-object body")
	}

	d, err := Normalize(domain.NewDate(2024, 1, 10))
	if err != nil || d != "2024-01-10" {
		t.Fatalf("expected date to normalize to its wire text, got %v %v", d, err)
	}
	ts, _ := Normalize(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	if ts != "2024-01-10T08:00:00Z" {
		t.Fatalf("unexpected time text %v", ts)
	}
	sex, err := Normalize(domain.SexMale)
	if err != nil || sex != "M" {
		t.Fatalf("expected named string to normalize, got %v %v", sex, err)
	}
	if _, err := Normalize(struct{}{}); err == nil {
		t.Fatalf("expected unsupported value error")
	}
	if Text(true) != "true" || Text(int64(7)) != "7" || Text(2.5) != "2.5" || Text(nil) != "" {
		t.Fatalf("unexpected text rendering")
	}
}
