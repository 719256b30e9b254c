package workorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// MaximoSink posts work orders to a Maximo-style REST endpoint.
type MaximoSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewMaximoSink creates a sink for baseURL (e.g. http://maximo:5001).
func NewMaximoSink(baseURL, apiKey string, timeout time.Duration) *MaximoSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MaximoSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *MaximoSink) Name() string { return "maximo" }

type maximoOrder struct {
	WONum       string    `json:"wonum"`
	AssetNum    string    `json:"assetnum"`
	Description string    `json:"description"`
	Priority    int       `json:"wopriority"`
	Status      Status    `json:"status"`
	EstDur      float64   `json:"estdur"`
	ReportDate  time.Time `json:"reportdate"`
}

func (s *MaximoSink) Deliver(ctx context.Context, req domain.MaintenanceRequest) error {
	body, err := json.Marshal(maximoOrder{
		WONum:       req.ID,
		AssetNum:    req.AssetID,
		Description: req.Justification,
		Priority:    req.Priority,
		Status:      StatusOpen,
		EstDur:      req.EstimatedHours,
		ReportDate:  req.CreatedAt,
	})
	if err != nil {
		return permanent("marshal: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/workorders", bytes.NewReader(body))
	if err != nil {
		return permanent("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID)
	if s.apiKey != "" {
		httpReq.Header.Set("apikey", s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return transient(s.Name(), err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// already created by an earlier attempt
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return transient(s.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	default:
		return permanent("maximo status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}
