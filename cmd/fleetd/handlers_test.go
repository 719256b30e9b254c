package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/fleetops/engine/anomaly"
	"github.com/WessleyAI/fleetops/engine/archive"
	"github.com/WessleyAI/fleetops/engine/condition"
	"github.com/WessleyAI/fleetops/engine/depot"
	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/ingest"
	"github.com/WessleyAI/fleetops/engine/mileage"
	"github.com/WessleyAI/fleetops/engine/priority"
	"github.com/WessleyAI/fleetops/engine/report"
	"github.com/WessleyAI/fleetops/engine/stabling"
	"github.com/WessleyAI/fleetops/engine/trigger"
	"github.com/WessleyAI/fleetops/engine/workorder"
	"github.com/WessleyAI/fleetops/pkg/metrics"
	"github.com/WessleyAI/fleetops/pkg/resilience"
)

// --- Fakes ---

// stateDetector answers Normal unless the asset is listed as anomalous.
type stateDetector struct {
	anomalous map[string]bool
}

func (d stateDetector) ObserveScored(assetID string, fv domain.FeatureVector) (anomaly.Verdict, error) {
	if err := fv.Validate(); err != nil {
		return anomaly.Verdict{}, err
	}
	if d.anomalous[assetID] {
		return anomaly.Verdict{State: domain.StateAnomalous, Score: 0.7, Threshold: 0.6}, nil
	}
	return anomaly.Verdict{State: domain.StateNormal, Score: 0.4, Threshold: 0.6}, nil
}

func (stateDetector) Forget(string) {}

type nopDispatcher struct{}

func (nopDispatcher) Submit(domain.MaintenanceRequest) error { return nil }
func (nopDispatcher) Depth() int                             { return 3 }
func (nopDispatcher) BreakerState() resilience.State         { return resilience.StateClosed }

type fakeOrders struct {
	mu     sync.Mutex
	orders map[int64]workorder.WorkOrder
}

func (f *fakeOrders) List(_ context.Context, status workorder.Status, limit int) ([]workorder.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workorder.WorkOrder
	for _, wo := range f.orders {
		if status == "" || wo.Status == status {
			out = append(out, wo)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrders) UpdateStatus(_ context.Context, id int64, status workorder.Status) (workorder.WorkOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wo, ok := f.orders[id]
	if !ok {
		return workorder.WorkOrder{}, domain.ErrNotFound
	}
	wo.Status = status
	f.orders[id] = wo
	return wo, nil
}

type fakeSimilar struct {
	gotAsset string
	gotK     int
}

func (f *fakeSimilar) Similar(_ context.Context, fv domain.FeatureVector, k int, assetID string) ([]archive.Match, error) {
	f.gotAsset, f.gotK = assetID, k
	return []archive.Match{{Entry: archive.Entry{ID: "p1", AssetID: "CR104", Features: fv}, Distance: 0.02}}, nil
}

type fakeReports struct {
	saved []report.Report
}

func (f *fakeReports) Save(_ context.Context, r report.Report) (string, error) {
	f.saved = append(f.saved, r)
	return r.Key(), nil
}

func (f *fakeReports) Latest(_ context.Context, depotID string) (report.Report, error) {
	for i := len(f.saved) - 1; i >= 0; i-- {
		if f.saved[i].DepotID == depotID {
			return f.saved[i], nil
		}
	}
	return report.Report{}, domain.ErrNotFound
}

// --- Harness ---

var at = time.Date(2026, 3, 9, 21, 0, 0, 0, time.UTC)

func yard() depot.Layout {
	return depot.Layout{
		DepotID: "D1",
		Tracks: []depot.Track{
			{ID: "A", Type: depot.TrackStabling, Capacity: 1, DistanceMetres: 100},
			{ID: "B", Type: depot.TrackMainline, Capacity: 1, DistanceMetres: 50},
			{ID: "C", Type: depot.TrackMaintenance, Capacity: 1, DistanceMetres: 80},
		},
		Switches: []depot.Switch{
			{ID: "S1", Tracks: []string{"A", "B"}},
			{ID: "S2", Tracks: []string{"B", "C"}},
		},
	}
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fleet := metrics.New()
	engine := priority.NewEngine(priority.DefaultWeights)
	trig, err := trigger.New(trigger.DefaultThreshold, trigger.WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatal(err)
	}
	pipeline, err := ingest.New(ingest.Deps{
		Detector:   stateDetector{anomalous: map[string]bool{"CR104": true}},
		Scorer:     condition.NewScorer(condition.DefaultWeights, nil),
		Engine:     engine,
		Trigger:    trig,
		Dispatcher: nopDispatcher{},
		Metrics:    fleet,
		Logger:     logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	depots := depot.NewService(depot.FileStore{Dir: t.TempDir()}, logger)
	if _, err := depots.Create(context.Background(), yard().Normalize()); err != nil {
		t.Fatal(err)
	}
	wear, err := mileage.New(mileage.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return &server{
		pipeline:    pipeline,
		engine:      engine,
		rearm:       trig.Reset,
		depots:      depots,
		depotID:     "D1",
		constraints: stabling.DefaultConstraints(),
		wear:        wear,
		dispatch:    nopDispatcher{},
		metrics:     fleet,
		logger:      logger,
		now:         func() time.Time { return at },
	}
}

func do(t *testing.T, s *server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func telemetry(asset string) string {
	return `{"asset_id":"` + asset + `","timestamp":"2026-03-09T06:30:00Z","sensors":{` +
		`"vibration_axle_1":0.004,"vibration_axle_2":0,"bearing_temp_1":45,"motor_temp":50,"door_motor_current":4}}`
}

func ingestAll(t *testing.T, s *server, assets ...string) {
	t.Helper()
	for _, a := range assets {
		if rec := do(t, s, "POST", "/api/telemetry", telemetry(a)); rec.Code != http.StatusOK {
			t.Fatalf("telemetry %s: %d %s", a, rec.Code, rec.Body.String())
		}
	}
}

// --- Fleet ---

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, "GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["status"] != "ok" || resp["breaker"] != "closed" || resp["outbox_depth"] != float64(3) {
		t.Fatalf("unexpected health %v", resp)
	}
}

func TestTelemetryScoresAndRanks(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, "POST", "/api/telemetry", telemetry("CR104"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[ingest.Result](t, rec)
	if res.Outcome != ingest.OutcomeTriggered || res.Request == nil || res.Request.PriorityText != "Medium" {
		t.Fatalf("unexpected result %+v", res)
	}
	ingestAll(t, s, "CR101")

	ranked := decodeBody[[]domain.PriorityEntry](t, do(t, s, "GET", "/api/priorities", ""))
	if len(ranked) != 2 || ranked[0].AssetID != "CR104" {
		t.Fatalf("ranking = %+v", ranked)
	}
	top := decodeBody[[]domain.PriorityEntry](t, do(t, s, "GET", "/api/priorities?limit=1", ""))
	if len(top) != 1 {
		t.Fatalf("limit ignored: %+v", top)
	}
	entry := decodeBody[domain.PriorityEntry](t, do(t, s, "GET", "/api/priorities/CR101", ""))
	if entry.Severity != domain.SeverityLow {
		t.Fatalf("entry = %+v", entry)
	}
	sum := decodeBody[priority.Summary](t, do(t, s, "GET", "/api/priorities/summary", ""))
	if sum.Total != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := testutil.ToFloat64(s.metrics.TelemetryReceived.WithLabelValues("http")); got != 2 {
		t.Fatalf("telemetry_received{http} = %v", got)
	}
}

func TestTelemetryRejected(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing sensor", `{"asset_id":"CR101","sensors":{"motor_temp":50}}`},
		{"empty asset", `{"asset_id":"","sensors":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, "POST", "/api/telemetry", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if n := len(s.engine.Rank()); n != 0 {
		t.Fatalf("rejected telemetry reached the ranking: %d entries", n)
	}
}

func TestPriorityUnknownAsset(t *testing.T) {
	s := newTestServer(t)
	if rec := do(t, s, "GET", "/api/priorities/CR999", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/priorities?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestForgetAsset(t *testing.T) {
	s := newTestServer(t)
	ingestAll(t, s, "CR101")
	if rec := do(t, s, "DELETE", "/api/assets/CR101", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/priorities/CR101", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after forget, got %d", rec.Code)
	}
	if rec := do(t, s, "DELETE", "/api/assets/CR101", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown asset, got %d", rec.Code)
	}
}

// --- Depot ---

func TestDepotEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, "GET", "/api/depot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	v := decodeBody[map[string]any](t, rec)
	if v["depot_id"] != "D1" || len(v["fingerprint"].(string)) != 16 {
		t.Fatalf("unexpected depot view %v", v)
	}
	if rec := do(t, s, "GET", "/api/depot?depot=NOPE", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDepotPath(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, "GET", "/api/depot/path?start=A&end=C&mode=hops", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	p := decodeBody[depot.Path](t, rec)
	if strings.Join(p.Steps, ",") != "A,S1,B,S2,C" {
		t.Fatalf("steps = %v", p.Steps)
	}

	tests := []struct {
		query string
		code  int
	}{
		{"start=A", http.StatusBadRequest},
		{"end=C", http.StatusBadRequest},
		{"start=A&end=C&mode=fastest", http.StatusBadRequest},
		{"start=A&end=Z", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, s, "GET", "/api/depot/path?"+tt.query, ""); rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.query, tt.code, rec.Code)
		}
	}
	if got := testutil.ToFloat64(s.metrics.PathQueries.WithLabelValues("hops", "ok")); got != 1 {
		t.Fatalf("path_queries{hops,ok} = %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.PathQueries.WithLabelValues("cost", "not_found")); got != 1 {
		t.Fatalf("path_queries{cost,not_found} = %v", got)
	}
}

func TestTrackStatusRebuildsGraph(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, "PUT", "/api/depot/tracks/B", `{"status":"blocked"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tr := decodeBody[depot.Track](t, rec)
	if tr.ID != "B" || tr.Status != depot.StatusBlocked {
		t.Fatalf("track = %+v", tr)
	}
	if rec := do(t, s, "GET", "/api/depot/path?start=A&end=C", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 through a blocked track, got %d", rec.Code)
	}
	avail := decodeBody[[]depot.Track](t, do(t, s, "GET", "/api/depot/tracks/available", ""))
	if len(avail) != 2 {
		t.Fatalf("available = %+v", avail)
	}
	if rec := do(t, s, "PUT", "/api/depot/tracks/B", `{"status":"melted"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, "PUT", "/api/depot/tracks/Z", `{"status":"closed"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateAndDeleteDepot(t *testing.T) {
	s := newTestServer(t)
	l := yard()
	l.DepotID = "D2"
	body, _ := json.Marshal(l)
	if rec := do(t, s, "POST", "/api/depot", string(body)); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, "POST", "/api/depot", string(body)); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/depot", `{"depot_id":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, "DELETE", "/api/depot/D2", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/depot?depot=D2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

// --- Planning ---

func TestPlanExplicitAssets(t *testing.T) {
	s := newTestServer(t)
	reports := &fakeReports{}
	s.reports = reports
	body := `{"assets":[
		{"asset_id":"CR101","risk":0.9,"mileage_km":100},
		{"asset_id":"CR102","risk":0.1,"mileage_km":200},
		{"asset_id":"CR103","risk":0.1,"mileage_km":300}]}`
	rec := do(t, s, "POST", "/api/plan", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[planResponse](t, rec)
	if len(resp.Assignments) != 3 || resp.Overflow != 1 {
		t.Fatalf("plan = %+v", resp.Plan)
	}
	if resp.Assignments[0].Decision != stabling.Maintain || resp.Assignments[0].Track != "C" {
		t.Fatalf("CR101 = %+v", resp.Assignments[0])
	}
	if resp.Warning == "" {
		t.Fatal("expected an exhaustion warning")
	}
	if resp.ReportKey != "D1/2026-03-09/210000.json" || len(reports.saved) != 1 {
		t.Fatalf("report key = %q, saved %d", resp.ReportKey, len(reports.saved))
	}
	if got := testutil.ToFloat64(s.metrics.PlanOverflow); got != 1 {
		t.Fatalf("plan_overflow = %v", got)
	}

	latest := decodeBody[report.Report](t, do(t, s, "GET", "/api/plan/latest", ""))
	if latest.DepotID != "D1" || len(latest.Plan.Assignments) != 3 {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestPlanFromRanking(t *testing.T) {
	s := newTestServer(t)
	if rec := do(t, s, "POST", "/api/plan", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with an empty fleet, got %d", rec.Code)
	}
	ingestAll(t, s, "CR101", "CR104")
	rec := do(t, s, "POST", "/api/plan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[planResponse](t, rec)
	decisions := map[string]stabling.Decision{}
	for _, a := range resp.Assignments {
		decisions[a.AssetID] = a.Decision
	}
	if decisions["CR104"] != stabling.Maintain || decisions["CR101"] != stabling.Run {
		t.Fatalf("decisions = %v", decisions)
	}
}

func TestPlanFromRankingWithUrgencyAboveHundred(t *testing.T) {
	s := newTestServer(t)
	worn := `{"asset_id":"CR104","timestamp":"2026-03-09T06:30:00Z","criticality":100,"time_since_maint":200,"sensors":{` +
		`"vibration_axle_1":0.004,"vibration_axle_2":0,"bearing_temp_1":45,"motor_temp":50,"door_motor_current":4}}`
	if rec := do(t, s, "POST", "/api/telemetry", worn); rec.Code != http.StatusOK {
		t.Fatalf("telemetry: %d %s", rec.Code, rec.Body.String())
	}
	ingestAll(t, s, "CR101")
	entry := decodeBody[domain.PriorityEntry](t, do(t, s, "GET", "/api/priorities/CR104", ""))
	if entry.Urgency <= 100 {
		t.Fatalf("urgency = %v, want above 100", entry.Urgency)
	}

	rec := do(t, s, "POST", "/api/plan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, a := range decodeBody[planResponse](t, rec).Assignments {
		if a.AssetID == "CR104" && a.Decision != stabling.Maintain {
			t.Fatalf("CR104: %+v", a)
		}
	}
}

func TestPlanRejectsBadConstraints(t *testing.T) {
	s := newTestServer(t)
	body := `{"assets":[{"asset_id":"CR101","risk":0.2}],"constraints":{"risk_threshold":2}}`
	if rec := do(t, s, "POST", "/api/plan", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOptionalServicesUnavailable(t *testing.T) {
	s := newTestServer(t)
	for _, target := range []string{"/api/plan/latest", "/api/workorders", "/api/anomalies/similar?asset=CR101"} {
		if rec := do(t, s, "GET", target, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", target, rec.Code)
		}
	}
}

// --- Anomaly archive ---

func TestSimilarAnomalies(t *testing.T) {
	s := newTestServer(t)
	finder := &fakeSimilar{}
	s.similar = finder
	if rec := do(t, s, "GET", "/api/anomalies/similar?asset=CR104", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any reading, got %d", rec.Code)
	}
	ingestAll(t, s, "CR104")
	rec := do(t, s, "GET", "/api/anomalies/similar?asset=CR104&k=3&scope=asset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if finder.gotAsset != "CR104" || finder.gotK != 3 {
		t.Fatalf("finder called with %q k=%d", finder.gotAsset, finder.gotK)
	}
	do(t, s, "GET", "/api/anomalies/similar?asset=CR104", "")
	if finder.gotAsset != "" || finder.gotK != 5 {
		t.Fatalf("fleet-wide search called with %q k=%d", finder.gotAsset, finder.gotK)
	}
}

// --- Work orders ---

func TestWorkOrders(t *testing.T) {
	s := newTestServer(t)
	orders := &fakeOrders{orders: map[int64]workorder.WorkOrder{
		1: {ID: 1, RequestID: "req-1", AssetID: "CR104", Status: workorder.StatusOpen},
		2: {ID: 2, RequestID: "req-2", AssetID: "CR105", Status: workorder.StatusInProgress},
	}}
	s.orders = orders

	open := decodeBody[[]workorder.WorkOrder](t, do(t, s, "GET", "/api/workorders?status=open", ""))
	if len(open) != 1 || open[0].ID != 1 {
		t.Fatalf("open = %+v", open)
	}
	if rec := do(t, s, "GET", "/api/workorders?status=lost", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	ingestAll(t, s, "CR104")
	res := decodeBody[ingest.Result](t, do(t, s, "POST", "/api/telemetry", telemetry("CR104")))
	if res.Request != nil {
		t.Fatal("an open episode must not raise a second request")
	}
	rec := do(t, s, "PATCH", "/api/workorders/1", `{"status":"closed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if wo := decodeBody[workorder.WorkOrder](t, rec); wo.Status != workorder.StatusClosed {
		t.Fatalf("work order = %+v", wo)
	}
	// closing re-arms the trigger: the next anomalous reading raises a new request
	res = decodeBody[ingest.Result](t, do(t, s, "POST", "/api/telemetry", telemetry("CR104")))
	if res.Request == nil {
		t.Fatal("expected a fresh request after the work order closed")
	}

	if rec := do(t, s, "PATCH", "/api/workorders/x", `{"status":"closed"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, "PATCH", "/api/workorders/9", `{"status":"closed"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// --- Errors ---

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest("GET", "/x", nil), errors.New("dial tcp 10.0.0.7:5432: refused"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
	rec = httptest.NewRecorder()
	s.writeError(rec, httptest.NewRequest("GET", "/x", nil), domain.ErrDeliveryFailure)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ingestAll(t, s, "CR101")
	rec := do(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fleetops_telemetry_received_total") {
		t.Fatal("telemetry counter missing from exposition")
	}
}

func TestMileageAnalyzeJSON(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/mileage/analyze",
		`{"assets":[{"asset_id":"CR101","readings":{"bogie":85000,"brake_pad":30000,"hvac":12345}},`+
			`{"asset_id":"CR102","readings":{"bogie":50000,"brake_pad":35000,"hvac":12500}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp mileageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 || resp.ActionRequired != 1 {
		t.Fatalf("expected 2 results with 1 flagged, got %+v", resp)
	}
	if resp.Results[0].Overall != mileage.ActionRequired || resp.Results[1].Overall != mileage.Nominal {
		t.Fatalf("unexpected overall status: %+v", resp.Results)
	}
}

func TestMileageAnalyzeCSV(t *testing.T) {
	s := newTestServer(t)
	body := "asset_id,Bogie_Mileage,BrakePad_Mileage,HVAC_Hours\nCR101,85000,30000,12345\n"
	req := httptest.NewRequest(http.MethodPost, "/api/mileage/analyze", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv; charset=utf-8")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp mileageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Parts[0].UsagePercent != 85 {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestMileageAnalyzeRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	for name, body := range map[string]string{
		"empty":        `{"assets":[]}`,
		"missing part": `{"assets":[{"asset_id":"CR101","readings":{"bogie":1}}]}`,
		"malformed":    `{"assets":`,
	} {
		if rec := do(t, s, http.MethodPost, "/api/mileage/analyze", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, rec.Code, rec.Body)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/mileage/analyze", strings.NewReader("asset_id,Bogie_Mileage\nCR101,1\n"))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("csv without part columns: expected 400, got %d", rec.Code)
	}
}
