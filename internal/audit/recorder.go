// Package audit keeps the append-only trail of report mutations. Recording is
// best effort: a failing audit store never fails the mutation being audited.
package audit

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ciomsdb/pkg/domain"
)

const (
	// DefaultRecentLimit is used by QueryRecent when no limit is given.
	DefaultRecentLimit = 100
	// DefaultRetentionDays is the purge horizon callers use when none is configured.
	DefaultRetentionDays = 365

	breakerName = "audit-log-writes"
)

// BreakerConfig tunes the circuit breaker in front of audit writes.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive storage failures that opens the breaker.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before a trial write.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the breaker settings used when none are supplied.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second}
}

// Recorder writes and queries audit entries.
type Recorder struct {
	store   domain.Store
	logger  *zap.Logger
	now     func() time.Time
	breaker *gobreaker.CircuitBreaker
}

// Option configures a Recorder.
type Option func(*recorderOptions)

type recorderOptions struct {
	logger  *zap.Logger
	now     func() time.Time
	breaker BreakerConfig
}

// WithLogger sets the logger used for dropped entries and breaker transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(o *recorderOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *recorderOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithBreaker overrides the circuit breaker settings. Zero fields keep the defaults.
func WithBreaker(cfg BreakerConfig) Option {
	return func(o *recorderOptions) {
		if cfg.MaxFailures > 0 {
			o.breaker.MaxFailures = cfg.MaxFailures
		}
		if cfg.Timeout > 0 {
			o.breaker.Timeout = cfg.Timeout
		}
	}
}

// NewRecorder constructs a recorder writing to the audit_logs collection of store.
func NewRecorder(store domain.Store, opts ...Option) *Recorder {
	o := recorderOptions{
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		breaker: DefaultBreakerConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Recorder{store: store, logger: o.logger, now: o.now}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     o.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.breaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("audit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Only storage faults count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrStorageUnavailable)
		},
	})
	return r
}

// BreakerState reports the current breaker state.
func (r *Recorder) BreakerState() gobreaker.State { return r.breaker.State() }

// Record appends an entry stamped with the current time. It never returns an
// error: failures are logged and reported as (0, false).
func (r *Recorder) Record(ctx context.Context, table string, recordID int64, action domain.AuditAction, oldValues, newValues any) (int64, bool) {
	fields := []zap.Field{
		zap.String("table_name", table),
		zap.Int64("record_id", recordID),
		zap.String("action", string(action)),
	}
	entry := domain.AuditEntry{
		Table:     table,
		RecordID:  recordID,
		Action:    action,
		Timestamp: r.now().UTC(),
	}
	var err error
	if entry.OldValues, err = payloadOf(oldValues); err != nil {
		r.logger.Error("audit entry dropped: encode old values", append(fields, zap.Error(err))...)
		return 0, false
	}
	if entry.NewValues, err = payloadOf(newValues); err != nil {
		r.logger.Error("audit entry dropped: encode new values", append(fields, zap.Error(err))...)
		return 0, false
	}
	body, err := domain.EncodeRecord(entry)
	if err != nil {
		r.logger.Error("audit entry dropped", append(fields, zap.Error(err))...)
		return 0, false
	}

	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.store.Insert(ctx, domain.CollectionAuditLogs, body)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.logger.Warn("audit entry dropped: breaker open", fields...)
		return 0, false
	case err != nil:
		r.logger.Error("audit entry dropped", append(fields, zap.Error(err))...)
		return 0, false
	}
	id, _ := res.(int64)
	return id, true
}

// payloadOf snapshots v. A nil value is recorded as absent.
func payloadOf(v any) (domain.ChangePayload, error) {
	switch x := v.(type) {
	case nil:
		return domain.UndefinedChangePayload(), nil
	case domain.ChangePayload:
		return x, nil
	case json.RawMessage:
		return domain.NewChangePayload(x), nil
	default:
		return domain.NewChangePayloadFromValue(v)
	}
}

// QueryByRecord returns every entry for one record, newest first.
func (r *Recorder) QueryByRecord(ctx context.Context, table string, recordID int64) ([]domain.AuditEntry, error) {
	docs, err := r.store.GetAllByIndex(ctx, domain.CollectionAuditLogs, "record_id", recordID)
	if err != nil {
		return nil, domain.WrapStorage("query audit by record", err)
	}
	entries, err := domain.DecodeRecords[domain.AuditEntry](docs)
	if err != nil {
		return nil, err
	}
	entries = slices.DeleteFunc(entries, func(e domain.AuditEntry) bool { return e.Table != table })
	sortNewestFirst(entries)
	return entries, nil
}

// QueryRecent returns up to limit entries, newest first. limit <= 0 selects DefaultRecentLimit.
func (r *Recorder) QueryRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	entries, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// PurgeOlderThan deletes entries strictly older than now minus days and returns
// how many were removed. days == 0 purges everything older than now; a negative
// horizon is a ValidationError.
func (r *Recorder) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, domain.NewValidationError("older_than_days", "must not be negative")
	}
	cutoff := r.now().UTC().AddDate(0, 0, -days)
	entries, err := r.all(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		ok, err := r.store.Delete(ctx, domain.CollectionAuditLogs, e.ID)
		if err != nil {
			return removed, domain.WrapStorage(fmt.Sprintf("purge audit entry %d", e.ID), err)
		}
		if ok {
			removed++
		}
	}
	r.logger.Info("audit entries purged", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	return removed, nil
}

func (r *Recorder) all(ctx context.Context) ([]domain.AuditEntry, error) {
	docs, err := r.store.Scan(ctx, domain.CollectionAuditLogs)
	if err != nil {
		return nil, domain.WrapStorage("scan audit log", err)
	}
	return domain.DecodeRecords[domain.AuditEntry](docs)
}

// sortNewestFirst orders by timestamp descending, breaking ties by id descending.
func sortNewestFirst(entries []domain.AuditEntry) {
	slices.SortFunc(entries, func(a, b domain.AuditEntry) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
