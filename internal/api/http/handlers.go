package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidemark/tidemark/internal/auth"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/indices"
	"github.com/tidemark/tidemark/internal/ranges"
	"github.com/tidemark/tidemark/internal/rotation"
	"github.com/tidemark/tidemark/pkg/types"
)

// HealthFunc reports the current engine health without waiting.
type HealthFunc func(ctx context.Context) (types.HealthStatus, error)

// API serves the administrative endpoints.
type API struct {
	manager   *indices.Manager
	deflector *rotation.Deflector
	ranges    ranges.Service
	health    HealthFunc
	auth      *auth.SessionAuthenticator
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithAuthenticator requires a valid session on every /v1 endpoint except
// health.
func WithAuthenticator(a *auth.SessionAuthenticator) Option {
	return func(api *API) { api.auth = a }
}

// WithHealth sets the engine health source of GET /v1/health.
func WithHealth(fn HealthFunc) Option {
	return func(api *API) { api.health = fn }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(api *API) { api.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(api *API) { api.logger = logger }
}

// NewAPI creates the API.
func NewAPI(manager *indices.Manager, deflector *rotation.Deflector, rs ranges.Service, opts ...Option) *API {
	api := &API{
		manager:   manager,
		deflector: deflector,
		ranges:    rs,
		gatherer:  prometheus.DefaultGatherer,
		logger:    slog.Default().With("component", "http"),
	}
	for _, opt := range opts {
		opt(api)
	}
	return api
}

// Handler returns the routed handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("GET /v1/indices", a.listIndices)
	v1.HandleFunc("GET /v1/indices/{index}", a.getIndex)
	v1.HandleFunc("DELETE /v1/indices/{index}", a.deleteIndex)
	v1.HandleFunc("POST /v1/indices/{index}/close", a.closeIndex)
	v1.HandleFunc("POST /v1/indices/{index}/reopen", a.reopenIndex)
	v1.HandleFunc("POST /v1/indices/{index}/move", a.moveIndex)
	v1.HandleFunc("GET /v1/fields", a.fields)
	v1.HandleFunc("GET /v1/deflector", a.getDeflector)
	v1.HandleFunc("POST /v1/deflector/cycle", a.cycleDeflector)
	v1.HandleFunc("GET /v1/ranges", a.listRanges)
	v1.HandleFunc("GET /v1/ranges/{index}", a.getRange)
	v1.HandleFunc("POST /v1/ranges/{index}/rebuild", a.rebuildRange)

	var protected http.Handler = v1
	if a.auth != nil {
		protected = SessionAuthMiddleware(a.auth)(v1)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.HandleFunc("GET /v1/health", a.getHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	return DefaultMiddleware(a.logger)(mux)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := GetRequestID(r.Context())
	status := StatusFor(err)
	if status >= 500 {
		a.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"error", err)
	}
	writeKindError(w, err, requestID)
}

// IndexInfo describes a managed index.
type IndexInfo struct {
	Name      string                 `json:"name"`
	Target    bool                   `json:"target"`
	Closed    bool                   `json:"closed"`
	Reopened  bool                   `json:"reopened"`
	ReadOnly  *bool                  `json:"read_only,omitempty"`
	CreatedAt *time.Time             `json:"created_at,omitempty"`
	Stats     *types.IndexStatistics `json:"stats,omitempty"`
}

// target is the write target for display only; a failed lookup shows none.
func (a *API) target(ctx context.Context) string {
	target, err := a.deflector.CurrentTarget(ctx)
	if err != nil {
		return ""
	}
	return target
}

// guardTarget fails the request when name is the current write target. An
// unbound alias has no target; any other lookup failure fails the request.
func (a *API) guardTarget(w http.ResponseWriter, r *http.Request, name string) bool {
	target, err := a.deflector.CurrentTarget(r.Context())
	if err != nil && !ierrors.IsKind(err, ierrors.KindNotFound) {
		a.fail(w, r, err)
		return false
	}
	if name == target {
		a.fail(w, r, ierrors.NewInvalidArgument(ierrors.CodeInvalidIndexName,
			fmt.Sprintf("<%s> is the current write target", name)))
		return false
	}
	return true
}

func set(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func (a *API) listIndices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	managed, err := a.manager.ManagedIndices(ctx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.manager.AllIndexStats(ctx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	target := a.target(ctx)
	closed := set(a.manager.ClosedIndices(ctx))
	reopened := set(a.manager.ReopenedIndices(ctx))

	out := make([]IndexInfo, 0, len(managed))
	for _, name := range managed {
		out = append(out, IndexInfo{
			Name:     name,
			Target:   name == target,
			Closed:   closed[name],
			Reopened: reopened[name],
			Stats:    stats[name],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"indices": out, "total": len(out)})
}

func (a *API) getIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("index")

	exists, err := a.manager.Exists(ctx, name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !exists {
		a.fail(w, r, ierrors.NewNotFound(ierrors.CodeIndexNotFound, fmt.Sprintf("index <%s> not found", name)))
		return
	}

	info := IndexInfo{
		Name:      name,
		Target:    name == a.target(ctx),
		CreatedAt: a.manager.IndexCreationDate(ctx, name),
		Stats:     a.manager.IndexStats(ctx, name),
	}
	info.Closed = set(a.manager.ClosedIndices(ctx))[name]
	if reopened, err := a.manager.IsReopened(ctx, name); err == nil {
		info.Reopened = reopened
	}
	if ro, err := a.manager.IsReadOnly(ctx, name); err == nil {
		info.ReadOnly = &ro
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) deleteIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	if !a.guardTarget(w, r, name) {
		return
	}
	if err := a.manager.Delete(r.Context(), name); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.ranges.Delete(r.Context(), name); err != nil {
		a.logger.Warn("failed to delete index range", "index", name, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) closeIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	if !a.guardTarget(w, r, name) {
		return
	}
	if err := a.manager.Close(r.Context(), name); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) reopenIndex(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.ReopenIndex(r.Context(), r.PathValue("index")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveRequest is the body of POST /v1/indices/{index}/move.
type MoveRequest struct {
	Target string `json:"target"`
}

func (a *API) moveIndex(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		a.fail(w, r, ierrors.NewInvalidArgument(ierrors.CodeInvalidIndexName, "body must name a target index"))
		return
	}
	source := r.PathValue("index")
	moved, err := a.manager.Move(r.Context(), source, req.Target)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"source": source, "target": req.Target, "moved": moved})
}

func (a *API) fields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"fields": a.manager.AllMessageFields(r.Context())})
}

func (a *API) getDeflector(w http.ResponseWriter, r *http.Request) {
	target, err := a.deflector.CurrentTarget(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alias": a.deflector.Name(), "target": target})
}

func (a *API) cycleDeflector(w http.ResponseWriter, r *http.Request) {
	target, err := a.deflector.Cycle(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alias": a.deflector.Name(), "target": target})
}

func parseTime(r *http.Request, key string) (time.Time, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, ierrors.NewInvalidArgument(ierrors.CodeInvalidConfig,
			fmt.Sprintf("%s must be an RFC 3339 timestamp", key))
	}
	return t, true, nil
}

func (a *API) listRanges(w http.ResponseWriter, r *http.Request) {
	from, hasFrom, err := parseTime(r, "from")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, hasTo, err := parseTime(r, "to")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var out []types.IndexRange
	if hasFrom || hasTo {
		if !hasTo {
			to = time.Now().UTC()
		}
		out, err = a.ranges.Find(r.Context(), from, to)
	} else {
		out, err = a.ranges.FindAll(r.Context())
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if out == nil {
		out = []types.IndexRange{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ranges": out, "total": len(out)})
}

func (a *API) getRange(w http.ResponseWriter, r *http.Request) {
	ir, err := a.ranges.Get(r.Context(), r.PathValue("index"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

func (a *API) rebuildRange(w http.ResponseWriter, r *http.Request) {
	ir, err := a.ranges.CalculateRange(r.Context(), r.PathValue("index"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

func (a *API) getHealth(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	status, err := a.health(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if status == types.HealthRed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status.String()})
}
