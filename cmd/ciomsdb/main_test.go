package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"ciomsdb/internal/config"
	"ciomsdb/internal/transfer"
	"ciomsdb/pkg/domain"
)

type settings struct {
	storage string
	fsRoot  string
	metrics string
}

func writeConfig(t *testing.T, dir string, s settings) string {
	t.Helper()
	if s.storage == "" {
		s.storage = "sqlite"
	}
	if s.fsRoot == "" {
		s.fsRoot = filepath.Join(dir, "archive")
	}
	if s.metrics == "" {
		s.metrics = "none"
	}
	lines := []string{
		"storage:",
		"  driver: " + s.storage,
		"  sqlite_path: " + filepath.Join(dir, "ciomsdb.db"),
		"blob:",
		"  driver: fs",
		"  fs_root: " + s.fsRoot,
		"log:",
		"  level: error",
		"metrics:",
		"  exporter: " + s.metrics,
		"trace:",
		"  exporter: none",
	}
	path := filepath.Join(dir, "ciomsdb.yaml")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

type cli struct {
	t   *testing.T
	cfg string
}

func (c cli) run(stdin string, args ...string) ([]byte, error) {
	c.t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"--config", c.cfg}, args...), strings.NewReader(stdin), &out)
	return out.Bytes(), err
}

func (c cli) mustRun(stdin string, args ...string) []byte {
	c.t.Helper()
	out, err := c.run(stdin, args...)
	if err != nil {
		c.t.Fatalf("ciomsdb %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

const createPayload = `{
  "manufacturer_control_no": "CLI-1",
  "date_received": "2024-02-01",
  "patient_info": {"initials": "PJS", "country": "KOREA", "age": "30 Years", "sex": "M"},
  "adverse_reactions": [{"reaction_en": "URTICARIA", "reaction_ko": "두드러기"}],
  "suspected_drugs": [{"drug_name_en": "Amoxicillin", "is_suspected": true}]
}`

func TestReportCommands(t *testing.T) {
	dir := t.TempDir()
	c := cli{t: t, cfg: writeConfig(t, dir, settings{})}

	sample := decodeInto[map[string]json.RawMessage](t, c.mustRun("", "sample", "--count", "2"))
	if ids := decodeInto[[]int64](t, sample["form_ids"]); len(ids) != 2 {
		t.Fatalf("expected two sample reports, got %s", sample["form_ids"])
	}

	created := decodeInto[map[string]int64](t, c.mustRun(createPayload, "create", "-f", "-"))
	id := strconv.FormatInt(created["id"], 10)

	agg := decodeInto[domain.ReportAggregate](t, c.mustRun("", "get", id))
	if agg.ControlNumber != "CLI-1" || len(agg.Reactions) != 1 || agg.Reactions[0].SequenceNo != 1 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}

	page := decodeInto[domain.Page](t, c.mustRun("", "list", "--limit", "1", "--sort", "manufacturer_control_no", "--order", "asc"))
	if page.Total != 3 || len(page.Reports) != 1 || page.Reports[0].ControlNumber != "40054-1" {
		t.Fatalf("unexpected page %+v", page)
	}

	found := decodeInto[[]domain.Report](t, c.mustRun("", "search", "--reaction", "두드러기", "--to", "2024-02-01"))
	if len(found) != 1 || found[0].ControlNumber != "CLI-1" {
		t.Fatalf("unexpected search result %+v", found)
	}

	patch := filepath.Join(dir, "patch.json")
	if err := os.WriteFile(patch, []byte(`{"patient_info": {"age": "31 Years"}}`), 0o600); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	agg = decodeInto[domain.ReportAggregate](t, c.mustRun("", "update", id, "-f", patch))
	if agg.Patient == nil || agg.Patient.Age != "31 Years" || agg.Patient.Initials != "PJS" {
		t.Fatalf("patch not applied: %+v", agg.Patient)
	}

	trail := decodeInto[[]domain.AuditEntry](t, c.mustRun("", "audit", "record", domain.CollectionReports, id))
	if len(trail) != 2 || trail[0].Action != domain.ActionUpdate {
		t.Fatalf("unexpected trail %+v", trail)
	}
	recent := decodeInto[[]domain.AuditEntry](t, c.mustRun("", "audit", "recent", "--limit", "10"))
	if len(recent) != 4 {
		t.Fatalf("expected 3 inserts and 1 update, got %d", len(recent))
	}
	purged := decodeInto[map[string]int](t, c.mustRun("", "audit", "purge"))
	if purged["removed"] != 0 {
		t.Fatalf("fresh entries should survive a purge, got %v", purged)
	}

	c.mustRun("", "delete", id)
	if _, err := c.run("", "get", id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if count := decodeInto[map[string]int](t, c.mustRun("", "count")); count["count"] != 2 {
		t.Fatalf("unexpected count %v", count)
	}
	stats := decodeInto[map[string]int](t, c.mustRun("", "stats"))
	if stats[domain.CollectionReports] != 2 || stats[domain.CollectionReactions] != 5 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestCommandErrors(t *testing.T) {
	c := cli{t: t, cfg: writeConfig(t, t.TempDir(), settings{})}

	bad := strings.Replace(createPayload, `"CLI-1"`, `"CLI 1"`, 1)
	if _, err := c.run(bad, "create"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	c.mustRun(createPayload, "create")
	if _, err := c.run(createPayload, "create"); !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := c.run("", "get", "zero"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected id validation error, got %v", err)
	}
	if _, err := c.run("", "search", "--from", "June"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected date validation error, got %v", err)
	}
	if _, err := c.run("", "clear"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("clear must require --yes, got %v", err)
	}
	if _, err := c.run("", "import"); err == nil {
		t.Fatalf("import without input should fail")
	}
	if _, err := c.run("", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "count"); err == nil {
		t.Fatalf("missing explicit config should fail")
	}
}

func TestExportImportCommands(t *testing.T) {
	srcDir := t.TempDir()
	src := cli{t: t, cfg: writeConfig(t, srcDir, settings{})}
	src.mustRun("", "sample", "--count", "3")

	exportPath := filepath.Join(srcDir, "export.json")
	summary := decodeInto[map[string]json.RawMessage](t, src.mustRun("", "export", "-o", exportPath))
	rows := decodeInto[map[string]int](t, summary["rows"])
	if rows[domain.CollectionReports] != 3 || rows[domain.CollectionLabResults] != 4 {
		t.Fatalf("unexpected export rows %v", rows)
	}

	forms := decodeInto[transfer.Document](t, src.mustRun("", "export", "--forms-only"))
	if len(forms.Data) != 1 || len(forms.Data[domain.CollectionReports]) != 3 {
		t.Fatalf("unexpected forms-only export %+v", forms.Data)
	}

	archived := decodeInto[map[string]any](t, src.mustRun("", "export", "--archive"))
	key, _ := archived["key"].(string)
	if !strings.HasPrefix(key, transfer.ArchivePrefix) {
		t.Fatalf("unexpected archive key %v", archived)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "archive", filepath.FromSlash(key))); err != nil {
		t.Fatalf("archive file missing: %v", err)
	}

	dst := cli{t: t, cfg: writeConfig(t, t.TempDir(), settings{})}
	dst.mustRun(createPayload, "create")
	res := decodeInto[transfer.Result](t, dst.mustRun("", "import", exportPath, "--clear-first"))
	if len(res.Errors) != 0 || res.Imported[domain.CollectionReports] != 3 {
		t.Fatalf("unexpected import result %+v", res)
	}
	if count := decodeInto[map[string]int](t, dst.mustRun("", "count")); count["count"] != 3 {
		t.Fatalf("clear-first import should replace data, got %v", count)
	}

	again := cli{t: t, cfg: writeConfig(t, t.TempDir(), settings{fsRoot: filepath.Join(srcDir, "archive")})}
	res = decodeInto[transfer.Result](t, again.mustRun("", "import", "--archive-key", key))
	if len(res.Errors) != 0 || res.Imported[domain.CollectionReactions] != 8 {
		t.Fatalf("unexpected archive import %+v", res)
	}

	dst.mustRun("", "clear", "--yes")
	stats := decodeInto[map[string]int](t, dst.mustRun("", "stats"))
	for name, n := range stats {
		if n != 0 {
			t.Fatalf("%s still holds %d rows", name, n)
		}
	}
}

func TestRouterServesMetrics(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, t.TempDir(), settings{storage: "memory", metrics: "prometheus"}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	srv := httptest.NewServer(a.router(nil))
	t.Cleanup(srv.Close)
	for _, path := range []string{"/healthz", "/reports/count"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ciomsdb_operations_total{operation="count_reports",status="success"} 2`) {
		t.Fatalf("metrics should count both requests:\n%s", body)
	}
}
