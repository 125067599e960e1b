// Package transfer exports the whole database as one JSON document and imports
// such documents back, remapping report ids so children keep their parent.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

// ImportOptions controls ImportAll.
type ImportOptions struct {
	// ClearFirst empties every collection before importing.
	ClearFirst bool
}

// RowError describes one row (or collection) that was not imported.
type RowError struct {
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record,omitempty"`
	Error      string          `json:"error"`
}

// Result summarizes an import.
type Result struct {
	Imported map[string]int `json:"imported"`
	Errors   []RowError     `json:"errors"`
}

func (r *Result) fail(collection string, record json.RawMessage, err error) {
	r.Errors = append(r.Errors, RowError{Collection: collection, Record: record, Error: err.Error()})
}

// Service runs exports and imports against one store.
type Service struct {
	store    domain.Store
	registry *schema.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the export timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRegistry overrides the declared schema.
func WithRegistry(reg *schema.Registry) Option {
	return func(s *Service) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// NewService returns a transfer service over store.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: schema.Default(),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportAll returns every declared collection, rows in ascending id order.
func (s *Service) ExportAll(ctx context.Context) (Document, error) {
	return s.export(ctx, s.registry.Names())
}

// ExportReports returns the report roots only.
func (s *Service) ExportReports(ctx context.Context) (Document, error) {
	return s.export(ctx, []string{domain.CollectionReports})
}

func (s *Service) export(ctx context.Context, collections []string) (Document, error) {
	doc := Document{
		SchemaVersion: s.registry.Version(),
		ExportedAt:    s.now().UTC(),
		Data:          make(map[string][]json.RawMessage, len(collections)),
	}
	for _, name := range collections {
		docs, err := s.store.Scan(ctx, name)
		if err != nil {
			return Document{}, domain.WrapStorage("export "+name, err)
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		rows := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			row, err := withID(d)
			if err != nil {
				return Document{}, fmt.Errorf("export %s %d: %w", name, d.ID, err)
			}
			rows = append(rows, row)
		}
		doc.Data[name] = rows
	}
	s.logger.Info("export finished", zap.Int("collections", len(collections)), zap.Int("schema_version", doc.SchemaVersion))
	return doc, nil
}

func withID(d domain.Document) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(d.Body, &fields); err != nil {
		return nil, err
	}
	fields["id"] = json.RawMessage(fmt.Sprint(d.ID))
	return json.Marshal(fields)
}

// ImportAll writes every row of doc under a fresh id. Report roots go first so
// children can be pointed at their new parent id. A child whose parent is neither
// in the document nor already stored is skipped, as is any row the store rejects;
// both are reported in Result.Errors without stopping the import. Audit entries
// follow their record to its new id. An entry whose record is not in the document
// is kept under its old id unless a stored row now holds that id, in which case it
// is reported and skipped.
func (s *Service) ImportAll(ctx context.Context, doc Document, opts ImportOptions) (Result, error) {
	if doc.SchemaVersion > s.registry.Version() {
		return Result{}, domain.NewValidationError("schemaVersion",
			fmt.Sprintf("document version %d is newer than supported version %d", doc.SchemaVersion, s.registry.Version()))
	}
	if err := s.store.Open(ctx); err != nil {
		return Result{}, domain.WrapStorage("open", err)
	}
	if opts.ClearFirst {
		for _, name := range s.registry.Names() {
			if err := s.store.Clear(ctx, name); err != nil {
				return Result{}, domain.WrapStorage("clear "+name, err)
			}
		}
	}

	res := Result{Imported: make(map[string]int)}
	imp := importer{svc: s, res: &res, ids: make(map[string]map[int64]int64), dropped: make(map[int64]bool)}
	for _, name := range s.importOrder(doc) {
		if _, ok := s.registry.Collection(name); !ok {
			res.Errors = append(res.Errors, RowError{Collection: name, Error: "unknown collection"})
			continue
		}
		res.Imported[name] = 0
		for _, row := range doc.Data[name] {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if imp.row(ctx, name, row) {
				res.Imported[name]++
			}
		}
	}
	s.logger.Info("import finished",
		zap.Any("imported", res.Imported),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("clear_first", opts.ClearFirst))
	return res, nil
}

// importOrder puts forms first, then declared collections in declaration order,
// then anything unknown sorted by name.
func (s *Service) importOrder(doc Document) []string {
	order := make([]string, 0, len(doc.Data))
	if _, ok := doc.Data[domain.CollectionReports]; ok {
		order = append(order, domain.CollectionReports)
	}
	for _, name := range s.registry.Names() {
		if _, ok := doc.Data[name]; ok && name != domain.CollectionReports {
			order = append(order, name)
		}
	}
	var unknown []string
	for name := range doc.Data {
		if !slices.Contains(order, name) {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return append(order, unknown...)
}

type importer struct {
	svc *Service
	res *Result
	// ids maps, per collection, a row id in the document to the id it was stored under.
	ids map[string]map[int64]int64
	// dropped holds document report ids whose row failed to import.
	dropped map[int64]bool
}

var (
	errOrphan        = errors.New("parent report not found")
	errAuditConflict = errors.New("audited record id is held by an unrelated row")
)

func (imp *importer) row(ctx context.Context, collection string, row json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil || fields == nil {
		imp.res.fail(collection, row, fmt.Errorf("row is not a JSON object"))
		return false
	}
	oldID, hasID := int64Field(fields, "id")
	delete(fields, "id")

	switch collection {
	case domain.CollectionReports:
	case domain.CollectionAuditLogs:
		if err := imp.rekeyAudit(ctx, fields); err != nil {
			imp.res.fail(collection, row, err)
			return false
		}
	default:
		parent, err := imp.parent(ctx, fields)
		if err != nil {
			imp.res.fail(collection, row, err)
			return false
		}
		fields[domain.FieldReportID] = json.RawMessage(fmt.Sprint(parent))
	}

	body, err := json.Marshal(fields)
	if err != nil {
		imp.res.fail(collection, row, err)
		return false
	}
	newID, err := imp.svc.store.Insert(ctx, collection, body)
	if err != nil {
		if collection == domain.CollectionReports && hasID {
			imp.dropped[oldID] = true
		}
		imp.res.fail(collection, row, err)
		return false
	}
	if hasID {
		if imp.ids[collection] == nil {
			imp.ids[collection] = make(map[int64]int64)
		}
		imp.ids[collection][oldID] = newID
	}
	return true
}

// rekeyAudit points an audit entry at the id its record was imported under.
func (imp *importer) rekeyAudit(ctx context.Context, fields map[string]json.RawMessage) error {
	var table string
	if raw, ok := fields["table_name"]; ok {
		if err := json.Unmarshal(raw, &table); err != nil {
			return fmt.Errorf("table_name: %w", err)
		}
	}
	recordID, ok := int64Field(fields, "record_id")
	if !ok {
		return nil
	}
	if id, ok := imp.ids[table][recordID]; ok {
		fields["record_id"] = json.RawMessage(fmt.Sprint(id))
		return nil
	}
	if _, known := imp.svc.registry.Collection(table); !known || table == domain.CollectionAuditLogs {
		return nil
	}
	_, exists, err := imp.svc.store.Get(ctx, table, recordID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s %d", errAuditConflict, table, recordID)
	}
	return nil
}

// parent resolves a child's form_id to a stored report id.
func (imp *importer) parent(ctx context.Context, fields map[string]json.RawMessage) (int64, error) {
	fid, ok := int64Field(fields, domain.FieldReportID)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", errOrphan, domain.FieldReportID)
	}
	if id, ok := imp.ids[domain.CollectionReports][fid]; ok {
		return id, nil
	}
	if imp.dropped[fid] {
		return 0, fmt.Errorf("%w: report %d was not imported", errOrphan, fid)
	}
	_, exists, err := imp.svc.store.Get(ctx, domain.CollectionReports, fid)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s %d", errOrphan, domain.FieldReportID, fid)
	}
	return fid, nil
}

func int64Field(fields map[string]json.RawMessage, key string) (int64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}
