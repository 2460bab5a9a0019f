package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/services"
)

type stubHealthService struct {
	checkFn func(context.Context) (domain.SystemHealthReport, error)
}

func (s *stubHealthService) Check(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx)
	}
	return domain.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

func TestHealthzReportsBuildMetadata(t *testing.T) {
	started := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)

	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "staging",
			StartedAt:   started,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != domain.HealthStatusOK {
		t.Errorf("status = %v", payload["status"])
	}
	if payload["version"] != "1.4.0" || payload["commitSha"] != "abc1234" || payload["environment"] != "staging" {
		t.Errorf("payload = %v", payload)
	}
	if payload["uptime"] != "1m30s" {
		t.Errorf("uptime = %v", payload["uptime"])
	}
}

func TestReadyzFallsBackToLivenessWithoutService(t *testing.T) {
	h := NewHealthHandlers()

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyzReportsHealthyDependencies(t *testing.T) {
	health := &stubHealthService{
		checkFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
					"pubsub":    {Status: domain.HealthStatusOK, Detail: "topic order-events"},
				},
				Version:     "1.4.0",
				Environment: "staging",
				Uptime:      90 * time.Second,
			}, nil
		},
	}

	h := NewHealthHandlers(WithHealthService(health))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	var payload struct {
		Status  string                    `json:"status"`
		Checks  map[string]map[string]any `json:"checks"`
		Details []string                  `json:"details"`
		Version string                    `json:"version"`
		Uptime  string                    `json:"uptime"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != domain.HealthStatusOK || len(payload.Details) != 0 {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Checks["firestore"]["latency"] != "12ms" {
		t.Errorf("firestore check = %v", payload.Checks["firestore"])
	}
	if payload.Version != "1.4.0" || payload.Uptime != "1m30s" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestReadyzReportsDegradedDependency(t *testing.T) {
	health := &stubHealthService{
		checkFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK},
					"pubsub":    {Status: domain.HealthStatusDegraded, Error: "publish timeout"},
				},
			}, nil
		},
	}

	h := NewHealthHandlers(WithHealthService(health))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "pubsub: publish timeout") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestReadyzSurfacesCheckError(t *testing.T) {
	health := &stubHealthService{
		checkFn: func(context.Context) (domain.SystemHealthReport, error) {
			return domain.SystemHealthReport{}, errors.New("health probe canceled")
		},
	}

	h := NewHealthHandlers(WithHealthService(health))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "health probe canceled") {
		t.Errorf("body = %s", rr.Body.String())
	}
}
