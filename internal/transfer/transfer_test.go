package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"ciomsdb/internal/audit"
	"ciomsdb/internal/blob"
	"ciomsdb/internal/core"
	"ciomsdb/internal/infra/persistence/memory"
	"ciomsdb/internal/infra/persistence/sqlite"
	"ciomsdb/pkg/domain"
)

var exportTime = time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return exportTime }

func report(controlNumber, country string, reactions ...string) domain.CreateReportInput {
	in := domain.CreateReportInput{
		ControlNumber: controlNumber,
		ReceivedDate:  domain.MustParseDate("2024-01-10"),
		Patient:       &domain.PatientInfo{Initials: "AB", Country: country, Age: "40 Years", Sex: domain.SexFemale},
		Drugs: []domain.Drug{
			{NameEN: "Aspirin", IsSuspected: true},
			{NameEN: "Omeprazole"},
		},
		LabResults: []domain.LabResult{{TestName: "ALT", ResultValue: "80", Unit: "U/L"}},
		Causality:  &domain.CausalityAssessment{Assessment: domain.AssessmentData{Method: "WHO-UMC", Category: "Probable"}},
	}
	for _, r := range reactions {
		in.Reactions = append(in.Reactions, domain.Reaction{ReactionEN: r})
	}
	return in
}

func seed(t *testing.T, store domain.Store, inputs ...domain.CreateReportInput) *core.Service {
	t.Helper()
	svc := core.NewService(store, core.WithAuditor(audit.NewRecorder(store)))
	for _, in := range inputs {
		if _, err := svc.CreateReport(context.Background(), in); err != nil {
			t.Fatalf("seed %s: %v", in.ControlNumber, err)
		}
	}
	return svc
}

func TestExportAllCoversEveryCollection(t *testing.T) {
	store := memory.NewStore(nil)
	seed(t, store, report("EXP-1", "KOREA", "RASH"), report("EXP-2", "JAPAN", "NAUSEA", "FEVER"))

	doc, err := NewService(store, WithClock(fixedNow)).ExportAll(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if doc.SchemaVersion != 1 || !doc.ExportedAt.Equal(exportTime) {
		t.Fatalf("unexpected header %d %v", doc.SchemaVersion, doc.ExportedAt)
	}
	want := map[string]int{
		domain.CollectionReports:    2,
		domain.CollectionPatients:   2,
		domain.CollectionReactions:  3,
		domain.CollectionDrugs:      4,
		domain.CollectionLabResults: 2,
		domain.CollectionCausality:  2,
		domain.CollectionAuditLogs:  2,
	}
	for coll, n := range want {
		if len(doc.Data[coll]) != n {
			t.Fatalf("%s: expected %d rows, got %d", coll, n, len(doc.Data[coll]))
		}
	}
	var prev int64
	for _, row := range doc.Data[domain.CollectionReactions] {
		var r domain.Reaction
		if err := json.Unmarshal(row, &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if r.ID <= prev {
			t.Fatalf("rows must be in ascending id order")
		}
		prev = r.ID
	}

	formsOnly, err := NewService(store).ExportReports(context.Background())
	if err != nil || len(formsOnly.Data) != 1 || len(formsOnly.Data[domain.CollectionReports]) != 2 {
		t.Fatalf("unexpected forms-only export %+v %v", formsOnly.Data, err)
	}
}

func TestRoundTripIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	src := memory.NewStore(nil)
	seed(t, src, report("RT-1", "KOREA", "RASH", "ITCH"), report("RT-2", "GERMANY", "SHOCK"))
	doc, err := NewService(src).ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Document
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	dst := sqlite.NewStore(filepath.Join(t.TempDir(), "import.db"), nil)
	if err := dst.Open(ctx); err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = dst.Close() })
	// Occupy low ids so imported reports cannot keep their original ids.
	dstSvc := seed(t, dst, report("LOCAL-1", "FRANCE", "COUGH"), report("LOCAL-2", "FRANCE", "COUGH"))

	res, err := NewService(dst).ImportAll(ctx, decoded, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected import errors %+v", res.Errors)
	}
	if res.Imported[domain.CollectionReports] != 2 || res.Imported[domain.CollectionReactions] != 3 {
		t.Fatalf("unexpected counts %+v", res.Imported)
	}

	srcSvc := core.NewService(src)
	for _, cn := range []string{"RT-1", "RT-2"} {
		want := aggregateByControlNumber(t, srcSvc, cn)
		got := aggregateByControlNumber(t, dstSvc, cn)
		if got.ID == want.ID {
			t.Fatalf("%s: expected a remapped id", cn)
		}
		if summarize(got) != summarize(want) {
			t.Fatalf("%s: aggregate changed\nwant %s\ngot  %s", cn, summarize(want), summarize(got))
		}
	}
}

func aggregateByControlNumber(t *testing.T, svc *core.Service, controlNumber string) *domain.ReportAggregate {
	t.Helper()
	ctx := context.Background()
	root, err := svc.GetByControlNumber(ctx, controlNumber)
	if err != nil || root == nil {
		t.Fatalf("lookup %s: %v", controlNumber, err)
	}
	agg, err := svc.GetReport(ctx, root.ID)
	if err != nil || agg == nil {
		t.Fatalf("get %s: %v", controlNumber, err)
	}
	return agg
}

// summarize renders an aggregate without ids or foreign keys.
func summarize(agg *domain.ReportAggregate) string {
	var b strings.Builder
	b.WriteString(agg.ControlNumber + "|" + agg.ReceivedDate.String() + "|" + agg.Patient.Country)
	for _, r := range agg.Reactions {
		b.WriteString("|r:" + r.ReactionEN)
	}
	for _, d := range agg.Drugs {
		b.WriteString("|d:" + d.NameEN)
	}
	for _, l := range agg.LabResults {
		b.WriteString("|l:" + l.TestName)
	}
	if agg.Causality != nil {
		b.WriteString("|c:" + agg.Causality.Assessment.Category)
	}
	return b.String()
}

func TestImportReportsOrphansAndUnknownCollections(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	existing := seed(t, store, report("HOST-1", "KOREA"))
	host, _ := existing.GetByControlNumber(ctx, "HOST-1")

	var doc Document
	err := json.Unmarshal([]byte(`{
		"schemaVersion": 1,
		"exportedAt": "2024-04-01T00:00:00Z",
		"data": {
			"forms": [
				{"id": 10, "manufacturer_control_no": "IMP-10", "date_received": "2024-02-01"},
				{"id": 11, "manufacturer_control_no": "HOST-1", "date_received": "2024-02-01"}
			],
			"adverse_reactions": [
				{"id": 1, "form_id": 10, "reaction_en": "RASH", "sequence_no": 1},
				{"id": 2, "form_id": 11, "reaction_en": "LOST", "sequence_no": 1},
				{"id": 3, "form_id": 999, "reaction_en": "ORPHAN", "sequence_no": 1},
				{"id": 4, "form_id": `+jsonInt(host.ID)+`, "reaction_en": "ATTACHED", "sequence_no": 9},
				{"id": 5, "reaction_en": "NO PARENT"}
			],
			"mystery": [{"id": 1}]
		}
	}`), &doc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	res, err := NewService(store).ImportAll(ctx, doc, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Imported[domain.CollectionReports] != 1 || res.Imported[domain.CollectionReactions] != 2 {
		t.Fatalf("unexpected counts %+v", res.Imported)
	}
	if len(res.Errors) != 5 {
		t.Fatalf("expected five errors, got %+v", res.Errors)
	}
	byCollection := map[string]int{}
	for _, e := range res.Errors {
		byCollection[e.Collection]++
	}
	if byCollection[domain.CollectionReports] != 1 || byCollection[domain.CollectionReactions] != 3 || byCollection["mystery"] != 1 {
		t.Fatalf("unexpected error distribution %v", byCollection)
	}
	last := res.Errors[len(res.Errors)-1]
	if last.Collection != "mystery" || last.Error != "unknown collection" {
		t.Fatalf("unknown collection should be reported last, got %+v", last)
	}

	imported := aggregateByControlNumber(t, existing, "IMP-10")
	if len(imported.Reactions) != 1 || imported.Reactions[0].ReactionEN != "RASH" {
		t.Fatalf("remapped child missing: %+v", imported.Reactions)
	}
	hostAgg := aggregateByControlNumber(t, existing, "HOST-1")
	if len(hostAgg.Reactions) != 1 || hostAgg.Reactions[0].ReactionEN != "ATTACHED" {
		t.Fatalf("child of an existing report should attach to it: %+v", hostAgg.Reactions)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestImportRekeysAuditTrail(t *testing.T) {
	ctx := context.Background()
	src := memory.NewStore(nil)
	srcSvc := seed(t, src, report("P-1", "KOREA"), report("P-2", "KOREA"))
	gone, _ := srcSvc.GetByControlNumber(ctx, "P-1")
	if err := srcSvc.DeleteReport(ctx, gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	doc, err := NewService(src).ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	cases := []struct {
		name  string
		local []string
	}{
		{name: "occupied store", local: []string{"X-1", "X-2"}},
		{name: "empty store"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dst := memory.NewStore(nil)
			var inputs []domain.CreateReportInput
			for _, cn := range tc.local {
				inputs = append(inputs, report(cn, "JAPAN"))
			}
			dstSvc := seed(t, dst, inputs...)

			res, err := NewService(dst).ImportAll(ctx, doc, ImportOptions{})
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			// P-1's INSERT and DELETE name an id a different report now holds.
			if res.Imported[domain.CollectionAuditLogs] != 1 || len(res.Errors) != 2 {
				t.Fatalf("unexpected result %+v", res)
			}
			for _, e := range res.Errors {
				if e.Collection != domain.CollectionAuditLogs || !strings.Contains(e.Error, "unrelated") {
					t.Fatalf("unexpected error %+v", e)
				}
			}

			trail := audit.NewRecorder(dst)
			imported, _ := dstSvc.GetByControlNumber(ctx, "P-2")
			entries, err := trail.QueryByRecord(ctx, domain.CollectionReports, imported.ID)
			if err != nil || len(entries) != 1 || entries[0].Action != domain.ActionInsert {
				t.Fatalf("imported report should carry its own INSERT, got %+v %v", entries, err)
			}
			if !strings.Contains(string(entries[0].NewValues.Raw()), `"P-2"`) {
				t.Fatalf("entry belongs to another report: %s", entries[0].NewValues.Raw())
			}
			for _, cn := range tc.local {
				local, _ := dstSvc.GetByControlNumber(ctx, cn)
				entries, _ := trail.QueryByRecord(ctx, domain.CollectionReports, local.ID)
				if len(entries) != 1 || !strings.Contains(string(entries[0].NewValues.Raw()), cn) {
					t.Fatalf("%s history was polluted: %+v", cn, entries)
				}
			}
		})
	}
}

func TestImportRejectsNewerSchemaVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	seed(t, store, report("KEEP-1", "KOREA"))

	doc := Document{SchemaVersion: 2, Data: map[string][]json.RawMessage{}}
	_, err := NewService(store).ImportAll(ctx, doc, ImportOptions{ClearFirst: true})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n, _ := store.Count(ctx, domain.CollectionReports); n != 1 {
		t.Fatalf("rejected import must not clear data")
	}
}

func TestImportClearFirstReplacesData(t *testing.T) {
	ctx := context.Background()
	src := memory.NewStore(nil)
	seed(t, src, report("NEW-1", "KOREA", "RASH"))
	doc, err := NewService(src).ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := memory.NewStore(nil)
	dstSvc := seed(t, dst, report("OLD-1", "JAPAN", "FEVER"), report("OLD-2", "JAPAN"))
	if _, err := NewService(dst).ImportAll(ctx, doc, ImportOptions{ClearFirst: true}); err != nil {
		t.Fatalf("import: %v", err)
	}
	stats, _ := dstSvc.Stats(ctx)
	if stats[domain.CollectionReports] != 1 || stats[domain.CollectionReactions] != 1 || stats[domain.CollectionAuditLogs] != 1 {
		t.Fatalf("unexpected stats after clear-first import %v", stats)
	}
	if old, _ := dstSvc.GetByControlNumber(ctx, "OLD-1"); old != nil {
		t.Fatalf("old data should be gone")
	}
}

func TestLegacyDocumentShapes(t *testing.T) {
	var formsOnly Document
	err := json.Unmarshal([]byte(`{
		"version": "1.0.0",
		"exported_at": "2024-03-05T10:00:00Z",
		"forms": [{"id": 1, "manufacturer_control_no": "L-1", "date_received": "2024-01-01"}],
		"patient_info": [{"id": 1, "form_id": 1, "initials": "AB"}]
	}`), &formsOnly)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if formsOnly.SchemaVersion != 1 || formsOnly.ExportedAt.Day() != 5 {
		t.Fatalf("unexpected header %+v", formsOnly)
	}
	if len(formsOnly.Data[domain.CollectionReports]) != 1 || len(formsOnly.Data[domain.CollectionPatients]) != 1 {
		t.Fatalf("top-level arrays should become collections: %v", formsOnly.Data)
	}

	var browser Document
	if err := json.Unmarshal([]byte(`{"version": 1, "exported_at": "2024-03-05T10:00:00Z", "data": {"forms": []}}`), &browser); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if browser.SchemaVersion != 1 || browser.Data[domain.CollectionReports] == nil {
		t.Fatalf("unexpected browser export %+v", browser)
	}

	var bad Document
	if err := json.Unmarshal([]byte(`{"version": "latest"}`), &bad); err == nil {
		t.Fatalf("expected version parse error")
	}

	res, err := NewService(memory.NewStore(nil)).ImportAll(context.Background(), formsOnly, ImportOptions{})
	if err != nil || res.Imported[domain.CollectionReports] != 1 || res.Imported[domain.CollectionPatients] != 1 {
		t.Fatalf("legacy import: %+v %v", res, err)
	}
}

var archiveKey = regexp.MustCompile(`^exports/cioms-forms-2024-04-02-[0-9a-f-]{36}\.json$`)

func TestArchiveSaveListLoad(t *testing.T) {
	ctx := context.Background()
	blobs, err := blob.Open(ctx, blob.Config{Driver: blob.DriverMemory})
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	store := memory.NewStore(nil)
	seed(t, store, report("ARC-1", "KOREA", "RASH"))
	doc, err := NewService(store, WithClock(fixedNow)).ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	archive := NewArchive(blobs)
	info, err := archive.Save(ctx, doc)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !archiveKey.MatchString(info.Key) || info.ContentType != "application/json" {
		t.Fatalf("unexpected archive entry %+v", info)
	}
	if info.Metadata["schema-version"] != "1" {
		t.Fatalf("expected schema version metadata, got %v", info.Metadata)
	}
	if _, err := archive.Save(ctx, doc); err != nil {
		t.Fatalf("second save: %v", err)
	}
	list, err := archive.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two archives, got %d %v", len(list), err)
	}

	loaded, err := archive.Load(ctx, info.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.ExportedAt.Equal(exportTime) || len(loaded.Data[domain.CollectionReports]) != 1 {
		t.Fatalf("unexpected loaded document %+v", loaded)
	}
	if _, err := archive.Load(ctx, "exports/missing.json"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
