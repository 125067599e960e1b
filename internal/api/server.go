// Package api exposes the report service over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ciomsdb/docs/schema/openapi"
	"ciomsdb/internal/audit"
	"ciomsdb/internal/core"
	"ciomsdb/internal/transfer"
)

// DefaultMaxBodyBytes bounds request bodies when Deps.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 32 << 20

// Deps are the collaborators behind the HTTP surface. Archive and Metrics are
// optional; their routes are not mounted when nil. RetentionDays is the purge
// horizon when DELETE /audit names none.
type Deps struct {
	Reports       *core.Service
	Audit         *audit.Recorder
	Transfer      *transfer.Service
	Archive       *transfer.Archive
	Metrics       http.Handler
	Logger        *zap.Logger
	ServiceName   string
	MaxBodyBytes  int64
	RetentionDays int
}

type handler struct {
	reports   *core.Service
	audit     *audit.Recorder
	transfer  *transfer.Service
	archive   *transfer.Archive
	logger    *zap.Logger
	maxBody   int64
	retention int
}

// NewRouter builds the chi router with the request id, access log, tracing and
// panic recovery middleware installed.
func NewRouter(d Deps) http.Handler {
	h := &handler{
		reports:   d.Reports,
		audit:     d.Audit,
		transfer:  d.Transfer,
		archive:   d.Archive,
		logger:    d.Logger,
		maxBody:   d.MaxBodyBytes,
		retention: d.RetentionDays,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.retention <= 0 {
		h.retention = audit.DefaultRetentionDays
	}
	if d.ServiceName == "" {
		d.ServiceName = "ciomsdb"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(RequestID)
	r.Use(Recover(h.logger))
	r.Use(Logger(h.logger))
	r.Use(Tracing(d.ServiceName))

	r.Get("/healthz", h.health)
	r.Get("/openapi.yaml", serveOpenAPI)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/reports", func(r chi.Router) {
		r.Post("/", h.createReport)
		r.Get("/", h.listReports)
		r.Get("/search", h.searchReports)
		r.Get("/count", h.countReports)
		r.Get("/{id}", h.getReport)
		r.Patch("/{id}", h.updateReport)
		r.Delete("/{id}", h.deleteReport)
	})
	r.Get("/stats", h.stats)

	if h.audit != nil {
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.recentAudit)
			r.Delete("/", h.purgeAudit)
			r.Get("/{table}/{id}", h.recordAudit)
		})
	}

	if h.transfer != nil {
		r.Get("/export", h.export)
		r.Post("/import", h.importDocument)
		if h.archive != nil {
			r.Post("/export/archive", h.saveArchive)
			r.Get("/export/archive", h.listArchive)
			r.Get("/export/archive/*", h.loadArchive)
		}
	}
	return r
}

func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", openapi.ContentType)
	_, _ = w.Write(openapi.Spec())
}

// NewServer wraps the router in an http.Server with the given timeouts.
func NewServer(addr string, router http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}
