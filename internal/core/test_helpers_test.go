package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ciomsdb/internal/infra/persistence/memory"
	"ciomsdb/internal/infra/persistence/sqlite"
	"ciomsdb/pkg/domain"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func fixedClock() Clock { return ClockFunc(func() time.Time { return fixedNow }) }

// forEachBackend runs fn once per store backend with a fresh, empty store.
func forEachBackend(t *testing.T, fn func(t *testing.T, store domain.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, memory.NewStore(nil))
	})
	t.Run("sqlite", func(t *testing.T) {
		store := sqlite.NewStore(filepath.Join(t.TempDir(), "core.db"), nil)
		if err := store.Open(context.Background()); err != nil {
			t.Skipf("sqlite unavailable: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func scenarioInput(controlNumber string) domain.CreateReportInput {
	return domain.CreateReportInput{
		ControlNumber: controlNumber,
		ReceivedDate:  domain.MustParseDate("2024-01-10"),
		Patient:       &domain.PatientInfo{Initials: "INT", Country: "GERMANY", Age: "62 Years", Sex: domain.SexMale},
		Reactions:     []domain.Reaction{{ReactionEN: "NAUSEA", ReactionKO: "오심"}},
		Drugs:         []domain.Drug{{NameEN: "Aspirin", NameKO: "아스피린", IsSuspected: true}},
	}
}

func fullInput(controlNumber string, received string) domain.CreateReportInput {
	performed := domain.MustParseDate("2024-01-08")
	return domain.CreateReportInput{
		ControlNumber: controlNumber,
		ReceivedDate:  domain.MustParseDate(received),
		Patient:       &domain.PatientInfo{Initials: "KJH", Country: "KOREA", Age: "45 Years", Sex: domain.SexFemale},
		Reactions: []domain.Reaction{
			{ReactionEN: "HEPATOTOXICITY", ReactionKO: "간독성"},
			{ReactionEN: "NAUSEA", ReactionKO: "오심"},
			{ReactionEN: "HYPOVOLEMIC SHOCK", ReactionKO: "저혈량 쇼크"},
		},
		Drugs: []domain.Drug{
			{NameEN: "Tylenol [Acetaminophen]", NameKO: "타이레놀", IsSuspected: true},
			{NameEN: "Omeprazole", IsSuspected: false},
			{NameEN: "Ibuprofen", IsSuspected: true},
		},
		LabResults: []domain.LabResult{
			{TestName: "ALT", ResultValue: "250", Unit: "U/L", NormalRange: "0-40", DatePerformed: &performed},
			{TestName: "AST", ResultValue: "180", Unit: "U/L", NormalRange: "0-40"},
		},
		Causality: &domain.CausalityAssessment{Assessment: domain.AssessmentData{
			Method: "WHO-UMC", Category: "Possible", Reason: "Known adverse reaction", AssessedBy: "Dr. Kim",
		}},
	}
}

func mustCreate(t *testing.T, svc *Service, in domain.CreateReportInput) int64 {
	t.Helper()
	id, err := svc.CreateReport(context.Background(), in)
	if err != nil {
		t.Fatalf("create %s: %v", in.ControlNumber, err)
	}
	return id
}

func countByReport(t *testing.T, store domain.Store, collection string, reportID int64) int {
	t.Helper()
	docs, err := store.GetAllByIndex(context.Background(), collection, domain.FieldReportID, reportID)
	if err != nil {
		t.Fatalf("lookup %s: %v", collection, err)
	}
	return len(docs)
}

// faultyStore fails selected operations on selected collections.
type faultyStore struct {
	domain.Store
	mu       sync.Mutex
	fails    map[string]error
	inserted []string
}

func newFaultyStore(inner domain.Store) *faultyStore {
	return &faultyStore{Store: inner, fails: make(map[string]error)}
}

func (f *faultyStore) failOn(op, collection string) error {
	err := &domain.StorageError{Op: op + " " + collection, Err: errors.New("injected fault")}
	f.mu.Lock()
	f.fails[op+":"+collection] = err
	f.mu.Unlock()
	return err
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	f.fails = make(map[string]error)
	f.mu.Unlock()
}

func (f *faultyStore) check(op, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fails[op+":"+collection]
}

func (f *faultyStore) Insert(ctx context.Context, collection string, body json.RawMessage) (int64, error) {
	f.mu.Lock()
	f.inserted = append(f.inserted, collection)
	f.mu.Unlock()
	if err := f.check("insert", collection); err != nil {
		return 0, err
	}
	return f.Store.Insert(ctx, collection, body)
}

func (f *faultyStore) Put(ctx context.Context, collection string, doc domain.Document) (int64, error) {
	if err := f.check("put", collection); err != nil {
		return 0, err
	}
	return f.Store.Put(ctx, collection, doc)
}

func (f *faultyStore) Delete(ctx context.Context, collection string, id int64) (bool, error) {
	if err := f.check("delete", collection); err != nil {
		return false, err
	}
	return f.Store.Delete(ctx, collection, id)
}

func (f *faultyStore) GetAllByIndex(ctx context.Context, collection, index string, values ...any) ([]domain.Document, error) {
	if err := f.check("index", collection); err != nil {
		return nil, err
	}
	return f.Store.GetAllByIndex(ctx, collection, index, values...)
}

// auditCall is one captured Auditor.Record invocation.
type auditCall struct {
	table    string
	recordID int64
	action   domain.AuditAction
	oldVals  any
	newVals  any
}

type captureAuditor struct {
	mu    sync.Mutex
	calls []auditCall
	fail  bool
}

func (c *captureAuditor) Record(_ context.Context, table string, recordID int64, action domain.AuditAction, oldValues, newValues any) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, auditCall{table: table, recordID: recordID, action: action, oldVals: oldValues, newVals: newValues})
	if c.fail {
		return 0, false
	}
	return int64(len(c.calls)), true
}

func (c *captureAuditor) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, call := range c.calls {
		out[i] = fmt.Sprintf("%s %s %d", call.action, call.table, call.recordID)
	}
	return out
}

func newMemoryStore() domain.Store { return memory.NewStore(nil) }
