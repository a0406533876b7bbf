package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/engine"
	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// Operator is the read-mostly slice of the orchestrator exposed to operators.
type Operator interface {
	HealthCheck(ctx context.Context) (monitoring.HealthReport, error)
	Statistics(ctx context.Context) (engine.Statistics, error)
	Alerts(unacknowledgedOnly bool) []monitoring.Alert
	AcknowledgeAlert(id string) error
	ListActive(ctx context.Context) ([]*workflow.Instance, error)
	Status(ctx context.Context, accountID string) (*workflow.Instance, error)
	History(ctx context.Context, accountID string) ([]workflow.ExecutionLogEntry, error)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.ops.HealthCheck(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if report.Status == monitoring.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ops.Statistics(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	unack := r.URL.Query().Get("unacknowledged") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"items": s.ops.Alerts(unack)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.ops.AcknowledgeAlert(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	items, err := s.ops.ListActive(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ops.Status(r.Context(), r.PathValue("account"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ops.History(r.Context(), r.PathValue("account"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	s.logger.Error("operator request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
