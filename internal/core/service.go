// Package core implements the report aggregate repository: it composes the
// report root and its five child collections into one unit and owns the
// uniqueness, sequencing and no-orphan rules across them.
package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

const (
	defaultListLimit      = 50
	defaultSearchLimit    = 50
	defaultSearchScanCap  = 1000
	defaultListSortField  = "date_received"
	defaultListSortOrder  = domain.SortDesc
	indexByReport         = domain.FieldReportID
	indexByControlNumber  = "manufacturer_control_no"
	operationCreateReport = "create_report"
	operationGetReport    = "get_report"
	operationGetByControl = "get_report_by_control_no"
	operationListReports  = "list_reports"
	operationSearch       = "search_reports"
	operationUpdateReport = "update_report"
	operationDeleteReport = "delete_report"
	operationCountReports = "count_reports"
	operationStats        = "stats"
)

// childCollections lists the collections owned by a report, in cascade order.
var childCollections = []string{
	domain.CollectionPatients,
	domain.CollectionReactions,
	domain.CollectionDrugs,
	domain.CollectionLabResults,
	domain.CollectionCausality,
}

// Service exposes aggregate-level operations over a document store. It never
// hands out raw child-collection access.
type Service struct {
	store     domain.Store
	registry  *schema.Registry
	logger    *zap.Logger
	metrics   MetricsRecorder
	tracer    Tracer
	clock     Clock
	auditor   Auditor
	searchCap int
}

// Option configures optional collaborators on the Service.
type Option func(*Service)

// WithLogger sets the structured logger; nil keeps the no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithAuditor sets the audit trail recorder.
func WithAuditor(a Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.auditor = a
		}
	}
}

// WithSearchScanCap bounds how many root rows a search considers before child
// predicates run. Values <= 0 keep the default.
func WithSearchScanCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.searchCap = n
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		registry:  schema.Default(),
		logger:    zap.NewNop(),
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
		clock:     systemClock{},
		auditor:   noopAuditor{},
		searchCap: defaultSearchScanCap,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.Store { return s.store }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// run wraps fn in a span and a metrics observation.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	if err != nil {
		s.logFailure(op, err)
	}
	return err
}

// logFailure logs rejected requests at warn level and everything else at error level.
func (s *Service) logFailure(op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConstraintViolation):
		s.logger.Warn("operation rejected", zap.String("operation", op), zap.Error(err))
	default:
		s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
	}
}

// compensate rolls back applied writes after cause. Rollback failures are logged;
// the caller always returns cause.
func (s *Service) compensate(ctx context.Context, op string, reportID int64, undo *undoLog, cause error) {
	steps := undo.len()
	if steps == 0 {
		return
	}
	if err := undo.rollback(ctx); err != nil {
		s.logger.Error("compensation failed; report may be partially written",
			zap.String("operation", op),
			zap.Int64("form_id", reportID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("rolled back partial write",
		zap.String("operation", op),
		zap.Int64("form_id", reportID),
		zap.Int("steps", steps),
		zap.NamedError("cause", cause),
	)
}
