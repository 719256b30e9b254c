package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/WessleyAI/fleetops/engine/archive"
	"github.com/WessleyAI/fleetops/engine/depot"
	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/ingest"
	"github.com/WessleyAI/fleetops/engine/mileage"
	"github.com/WessleyAI/fleetops/engine/priority"
	"github.com/WessleyAI/fleetops/engine/report"
	"github.com/WessleyAI/fleetops/engine/stabling"
	"github.com/WessleyAI/fleetops/engine/workorder"
	"github.com/WessleyAI/fleetops/pkg/fn"
	"github.com/WessleyAI/fleetops/pkg/metrics"
	"github.com/WessleyAI/fleetops/pkg/resilience"
)

const maxBody = 1 << 20

var errUnavailable = errors.New("not configured")

type workOrders interface {
	List(ctx context.Context, status workorder.Status, limit int) ([]workorder.WorkOrder, error)
	UpdateStatus(ctx context.Context, id int64, status workorder.Status) (workorder.WorkOrder, error)
}

type similarFinder interface {
	Similar(ctx context.Context, fv domain.FeatureVector, k int, assetID string) ([]archive.Match, error)
}

type planReports interface {
	Save(ctx context.Context, r report.Report) (string, error)
	Latest(ctx context.Context, depotID string) (report.Report, error)
}

type dispatchState interface {
	Depth() int
	BreakerState() resilience.State
}

// server holds the collaborators behind the HTTP API. Optional ones are nil
// when their backend is not configured; their routes answer 503.
type server struct {
	pipeline    *ingest.Pipeline
	engine      *priority.Engine
	rearm       func(assetID string)
	depots      *depot.Service
	depotID     string
	constraints stabling.Constraints
	wear        *mileage.Analyzer
	orders      workOrders
	similar     similarFinder
	reports     planReports
	dispatch    dispatchState
	metrics     *metrics.Fleet
	logger      *slog.Logger
	now         func() time.Time
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /api/priorities", s.handlePriorities)
	mux.HandleFunc("GET /api/priorities/summary", s.handleSummary)
	mux.HandleFunc("GET /api/priorities/{asset}", s.handlePriority)
	mux.HandleFunc("DELETE /api/assets/{asset}", s.handleForget)
	mux.HandleFunc("GET /api/depot", s.handleDepot)
	mux.HandleFunc("POST /api/depot", s.handleCreateDepot)
	mux.HandleFunc("DELETE /api/depot/{id}", s.handleDeleteDepot)
	mux.HandleFunc("GET /api/depot/tracks/available", s.handleAvailable)
	mux.HandleFunc("PUT /api/depot/tracks/{id}", s.handleTrackStatus)
	mux.HandleFunc("GET /api/depot/path", s.handlePath)
	mux.HandleFunc("POST /api/plan", s.handlePlan)
	mux.HandleFunc("GET /api/plan/latest", s.handleLatestPlan)
	mux.HandleFunc("POST /api/mileage/analyze", s.handleMileage)
	mux.HandleFunc("GET /api/anomalies/similar", s.handleSimilar)
	mux.HandleFunc("GET /api/workorders", s.handleWorkOrders)
	mux.HandleFunc("PATCH /api/workorders/{id}", s.handleWorkOrderStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain error kinds onto status codes. Internal errors are
// logged and not echoed.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, depot.ErrExists), errors.Is(err, domain.ErrNotWarmedUp):
		status = http.StatusConflict
	case errors.Is(err, errUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDeliveryFailure):
		status = http.StatusBadGateway
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		return domain.NewValidationError("body", "", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(key, v, domain.ErrOutOfRange)
	}
	return n, nil
}

func (s *server) depotOf(r *http.Request) string {
	if id := r.URL.Query().Get("depot"); id != "" {
		return id
	}
	return s.depotID
}

func unavailable(what string) error { return fmt.Errorf("%s: %w", what, errUnavailable) }

// --- Fleet ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "assets": len(s.engine.Rank())}
	if s.dispatch != nil {
		resp["outbox_depth"] = s.dispatch.Depth()
		resp["breaker"] = s.dispatch.BreakerState().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var ev domain.TelemetryEvent
	if err := decode(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.pipeline.Process(r.Context(), "http", ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handlePriorities(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ranked := s.engine.Rank()
	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}
	writeJSON(w, http.StatusOK, ranked)
}

func (s *server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Summary())
}

func (s *server) handlePriority(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Get(r.PathValue("asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) handleForget(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	if _, err := s.engine.Get(asset); err != nil {
		if _, ok := s.pipeline.LastFeatures(asset); !ok {
			s.writeError(w, r, err)
			return
		}
	}
	s.pipeline.Forget(asset)
	w.WriteHeader(http.StatusNoContent)
}

// --- Depot ---

type depotView struct {
	depot.Layout
	Fingerprint string `json:"fingerprint"`
}

func view(snap *depot.Snapshot) depotView {
	return depotView{Layout: snap.Layout, Fingerprint: fmt.Sprintf("%016x", snap.Graph.Fingerprint())}
}

func (s *server) handleDepot(w http.ResponseWriter, r *http.Request) {
	if s.depots == nil {
		s.writeError(w, r, unavailable("depot"))
		return
	}
	snap, err := s.depots.Snapshot(r.Context(), s.depotOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(snap))
}

func (s *server) handleCreateDepot(w http.ResponseWriter, r *http.Request) {
	if s.depots == nil {
		s.writeError(w, r, unavailable("depot"))
		return
	}
	var l depot.Layout
	if err := decode(w, r, &l); err != nil {
		s.writeError(w, r, err)
		return
	}
	l = l.Normalize()
	if err := l.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.depots.Create(r.Context(), l)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(snap))
}

func (s *server) handleDeleteDepot(w http.ResponseWriter, r *http.Request) {
	if s.depots == nil {
		s.writeError(w, r, unavailable("depot"))
		return
	}
	if err := s.depots.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	if s.depots == nil {
		s.writeError(w, r, unavailable("depot"))
		return
	}
	tracks, err := s.depots.Available(r.Context(), s.depotOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *server) handleTrackStatus(w http.ResponseWriter, r *http.Request) {
	if s.depots == nil {
		s.writeError(w, r, unavailable("depot"))
		return
	}
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := depot.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trackID := r.PathValue("id")
	snap, err := s.depots.SetTrackStatus(r.Context(), s.depotOf(r), trackID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, _ := snap.Layout.Track(trackID)
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handlePath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := depot.Mode(q.Get("mode"))
	if mode == "" {
		mode = depot.ModeCost
	}
	path, err := s.route(r, q.Get("start"), q.Get("end"), mode)
	if s.metrics != nil {
		label := string(mode)
		if mode != depot.ModeHops && mode != depot.ModeCost {
			label = "other"
		}
		s.metrics.PathQueries.WithLabelValues(label, outcome(err)).Inc()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, path)
}

func (s *server) route(r *http.Request, start, end string, mode depot.Mode) (depot.Path, error) {
	if s.depots == nil {
		return depot.Path{}, unavailable("depot")
	}
	if start == "" {
		return depot.Path{}, domain.NewValidationError("start", "", domain.ErrMissingField)
	}
	if end == "" {
		return depot.Path{}, domain.NewValidationError("end", "", domain.ErrMissingField)
	}
	return s.depots.Route(r.Context(), s.depotOf(r), start, end, mode)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

// --- Planning ---

type planRequest struct {
	Assets      []stabling.Asset      `json:"assets"`
	Constraints *stabling.Constraints `json:"constraints,omitempty"`
}

type planResponse struct {
	stabling.Plan
	ReportKey string `json:"report_key,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// fleetAssets turns the current ranking into planning input.
func fleetAssets(entries []domain.PriorityEntry) []stabling.Asset {
	return fn.Map(entries, func(e domain.PriorityEntry) stabling.Asset {
		return stabling.Asset{ID: e.AssetID, Risk: stabling.RiskFromUrgency(e.Urgency), Urgency: e.Urgency}
	})
}

func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.depots == nil {
		s.writeError(w, r, unavailable("depot"))
		return
	}
	var req planRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if len(req.Assets) == 0 {
		req.Assets = fleetAssets(s.engine.Rank())
	}
	if len(req.Assets) == 0 {
		s.writeError(w, r, domain.NewValidationError("assets", "", domain.ErrMissingField))
		return
	}
	c := s.constraints
	if req.Constraints != nil {
		c = *req.Constraints
	}
	if err := c.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	depotID := s.depotOf(r)
	snap, err := s.depots.Snapshot(r.Context(), depotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	plan, err := stabling.New(snap).Plan(req.Assets, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := planResponse{Plan: plan}
	if s.metrics != nil {
		s.metrics.PlanDuration.Observe(time.Since(start).Seconds())
		s.metrics.PlanOverflow.Add(float64(plan.Overflow))
	}
	if err := plan.Exhausted(); err != nil {
		resp.Warning = err.Error()
		s.logger.Warn("stabling pools exhausted", "depot_id", depotID, "overflow", plan.Overflow)
	}
	if s.reports != nil {
		key, err := s.reports.Save(r.Context(), report.NewReport(plan, c, s.now()))
		if err != nil {
			s.logger.Error("plan report not archived", "depot_id", depotID, "err", err)
		}
		resp.ReportKey = key
	}
	s.logger.Info("stabling plan computed", "depot_id", depotID, "summary", plan.Summary())
	writeJSON(w, http.StatusOK, resp)
}

type mileageRequest struct {
	Assets []mileage.Usage `json:"assets"`
}

type mileageResponse struct {
	Results        []mileage.Result `json:"results"`
	ActionRequired int              `json:"action_required"`
}

// handleMileage rates component wear. The body is either JSON or a text/csv
// table with an asset_id column and one column per configured part.
func (s *server) handleMileage(w http.ResponseWriter, r *http.Request) {
	if s.wear == nil {
		s.writeError(w, r, unavailable("mileage"))
		return
	}
	var usage []mileage.Usage
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "text/csv" {
		var err error
		if usage, err = s.wear.ReadCSV(http.MaxBytesReader(w, r.Body, maxBody)); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		var req mileageRequest
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		usage = req.Assets
	}
	if len(usage) == 0 {
		s.writeError(w, r, domain.NewValidationError("assets", "", domain.ErrMissingField))
		return
	}
	results, err := s.wear.Analyze(usage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flagged := fn.Count(results, func(res mileage.Result) bool { return res.Overall == mileage.ActionRequired })
	s.logger.Info("mileage analysed", "assets", len(results), "action_required", flagged)
	writeJSON(w, http.StatusOK, mileageResponse{Results: results, ActionRequired: flagged})
}

func (s *server) handleLatestPlan(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, r, unavailable("plan archive"))
		return
	}
	rep, err := s.reports.Latest(r.Context(), s.depotOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Anomaly archive ---

func (s *server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if s.similar == nil {
		s.writeError(w, r, unavailable("anomaly archive"))
		return
	}
	asset := r.URL.Query().Get("asset")
	if err := domain.ValidateAssetID(asset); err != nil {
		s.writeError(w, r, err)
		return
	}
	k, err := queryInt(r, "k", 5)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fv, ok := s.pipeline.LastFeatures(asset)
	if !ok {
		s.writeError(w, r, fmt.Errorf("asset %s: %w", asset, domain.ErrNotFound))
		return
	}
	filter := ""
	if r.URL.Query().Get("scope") == "asset" {
		filter = asset
	}
	matches, err := s.similar.Similar(r.Context(), fv, k, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset_id": asset, "features": fv, "matches": matches})
}

// --- Work orders ---

func (s *server) handleWorkOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		s.writeError(w, r, unavailable("work-order store"))
		return
	}
	var status workorder.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := workorder.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status = st
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.orders.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []workorder.WorkOrder{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleWorkOrderStatus moves a work order. Closing one re-arms the asset's
// trigger so a still-degraded asset raises a fresh request.
func (s *server) handleWorkOrderStatus(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		s.writeError(w, r, unavailable("work-order store"))
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("id", r.PathValue("id"), domain.ErrOutOfRange))
		return
	}
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := workorder.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wo, err := s.orders.UpdateStatus(r.Context(), id, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if wo.Status == workorder.StatusClosed && s.rearm != nil {
		s.rearm(wo.AssetID)
	}
	writeJSON(w, http.StatusOK, wo)
}
