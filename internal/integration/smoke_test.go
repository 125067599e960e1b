package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"ciomsdb/internal/blob"
	"ciomsdb/internal/core"
	"ciomsdb/internal/sampledata"
	"ciomsdb/internal/transfer"
	"ciomsdb/pkg/domain"
)

// TestIntegrationSmoke seeds every in-process storage backend, archives an
// export in every in-process blob backend and imports it into a fresh store.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()

	storeVariants := []struct {
		name string
		cfg  func(t *testing.T) core.StorageConfig
	}{
		{name: "memory-store", cfg: func(*testing.T) core.StorageConfig {
			return core.StorageConfig{Driver: core.StorageMemory}
		}},
		{name: "sqlite-store", cfg: func(t *testing.T) core.StorageConfig {
			return core.StorageConfig{Driver: core.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "cioms.db")}
		}},
	}
	blobVariants := []struct {
		name string
		cfg  func(t *testing.T) blob.Config
	}{
		{name: "memory-blob", cfg: func(*testing.T) blob.Config { return blob.Config{Driver: blob.DriverMemory} }},
		{name: "filesystem-blob", cfg: func(t *testing.T) blob.Config {
			return blob.Config{Driver: blob.DriverFilesystem, FSRoot: t.TempDir()}
		}},
	}

	open := func(t *testing.T, cfg core.StorageConfig) domain.Store {
		t.Helper()
		store, err := core.OpenStore(cfg)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				metrics := core.NewExpvarMetricsRecorder("")
				var traces bytes.Buffer
				tracer := core.NewJSONTracer(&traces, 0)
				src := open(t, sv.cfg(t))
				svc := core.NewService(src, core.WithMetricsRecorder(metrics), core.WithTracer(tracer))

				seeded := sampledata.Generate(ctx, svc, sampledata.DefaultCount)
				if len(seeded.Errors) != 0 || len(seeded.IDs) != sampledata.DefaultCount {
					t.Fatalf("seed: %+v", seeded)
				}

				blobs, err := blob.Open(ctx, bv.cfg(t))
				if err != nil {
					t.Fatalf("open blob store: %v", err)
				}
				archive := transfer.NewArchive(blobs)
				doc, err := transfer.NewService(src).ExportAll(ctx)
				if err != nil {
					t.Fatalf("export: %v", err)
				}
				info, err := archive.Save(ctx, doc)
				if err != nil {
					t.Fatalf("archive save: %v", err)
				}
				listed, err := archive.List(ctx)
				if err != nil || len(listed) != 1 || listed[0].Key != info.Key {
					t.Fatalf("archive list: %v %+v", err, listed)
				}
				loaded, err := archive.Load(ctx, info.Key)
				if err != nil {
					t.Fatalf("archive load: %v", err)
				}

				dst := open(t, core.StorageConfig{Driver: core.StorageMemory})
				res, err := transfer.NewService(dst).ImportAll(ctx, loaded, transfer.ImportOptions{})
				if err != nil {
					t.Fatalf("import: %v", err)
				}
				if len(res.Errors) != 0 || res.Imported[domain.CollectionReports] != sampledata.DefaultCount {
					t.Fatalf("unexpected import result %+v", res)
				}

				want, err := svc.Stats(ctx)
				if err != nil {
					t.Fatalf("source stats: %v", err)
				}
				got, err := core.NewService(dst).Stats(ctx)
				if err != nil {
					t.Fatalf("target stats: %v", err)
				}
				for collection, n := range want {
					if collection == domain.CollectionAuditLogs {
						continue
					}
					if got[collection] != n {
						t.Fatalf("%s: imported %d rows, exported %d", collection, got[collection], n)
					}
				}

				source, err := svc.GetByControlNumber(ctx, "40054-1")
				if err != nil || source == nil {
					t.Fatalf("source lookup: %v %v", source, err)
				}
				copied, err := core.NewService(dst).GetByControlNumber(ctx, source.ControlNumber)
				if err != nil || copied == nil {
					t.Fatalf("imported lookup: %v %v", copied, err)
				}
				agg, err := core.NewService(dst).GetReport(ctx, copied.ID)
				if err != nil || agg == nil {
					t.Fatalf("imported aggregate: %v %v", agg, err)
				}
				if !agg.ReceivedDate.Equal(source.ReceivedDate.Time) || len(agg.Reactions) != 3 || agg.Patient == nil {
					t.Fatalf("imported aggregate lost data: %+v", agg)
				}

				if stats := metrics.Snapshot()["create_report"]; stats.Success != sampledata.DefaultCount {
					t.Fatalf("expected create_report metrics, got %+v", metrics.Snapshot())
				}
				var traced bool
				for _, e := range tracer.Entries() {
					if e.Operation == "create_report" && e.Status == "success" {
						traced = true
						break
					}
				}
				if !traced || traces.Len() == 0 {
					t.Fatalf("expected create_report spans, got %+v", tracer.Entries())
				}
			})
		}
	}
}
