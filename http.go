package resilience

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HealthReport is the JSON body served by HealthHandler.
type HealthReport struct {
	Breakers         *BreakerAggregate `json:"breakers,omitempty"`
	BreakerStatuses  []BreakerStatus   `json:"breaker_statuses,omitempty"`
	Level            string            `json:"degradation_level,omitempty"`
	DisabledFeatures []string          `json:"disabled_features,omitempty"`
	System           SystemHealth      `json:"system"`
}

// HealthHandler serves a HealthReport. The response status is 503 while the
// system is UNHEALTHY and 200 otherwise. manager and controller may be nil.
type HealthHandler struct {
	monitor    *HealthMonitor
	manager    *BreakerManager
	controller *DegradationController
	logger     *slog.Logger
}

// NewHealthHandler creates a handler over the given components.
func NewHealthHandler(monitor *HealthMonitor, manager *BreakerManager, controller *DegradationController) *HealthHandler {
	return &HealthHandler{
		monitor:    monitor,
		manager:    manager,
		controller: controller,
		logger:     monitor.logger,
	}
}

// Report assembles the current HealthReport.
func (h *HealthHandler) Report() HealthReport {
	report := HealthReport{System: h.monitor.GetSystemHealth()}

	if h.manager != nil {
		agg := h.manager.AggregateStatus()
		report.Breakers = &agg
		report.BreakerStatuses = h.manager.Statuses()
	}
	if h.controller != nil {
		report.Level = h.controller.Level().String()
		report.DisabledFeatures = h.controller.DisabledFeatures()
	}
	return report
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.Report()

	status := http.StatusOK
	if report.System.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", "error", err)
	}
}
