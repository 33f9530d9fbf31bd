package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openfiscal/apura/internal/assess"
	"github.com/openfiscal/apura/internal/domain"
	"github.com/openfiscal/apura/internal/rules"
)

// ruleSetTTL matches the runner's cache window for reloaded rule sets.
const ruleSetTTL = 5 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	runner  *assess.Runner
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, runner *assess.Runner, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		runner:  runner,
		version: version,
	}
}

// RunRequest is the request body for POST /runs.
type RunRequest struct {
	Period string            `json:"period"`
	Items  []domain.LineItem `json:"items"`

	// Async queues the run on the event bus instead of executing inline.
	Async bool `json:"async,omitempty"`
}

// runMessage mirrors the worker's run-request payload.
type runMessage struct {
	TaxpayerID string            `json:"taxpayerId"`
	Period     string            `json:"period"`
	Items      []domain.LineItem `json:"items"`
	TraceID    string            `json:"traceId,omitempty"`
}

// SubmitRun handles POST /runs requests.
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)
	traceID := GetTraceID(ctx)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Period == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "period is required",
		})
		return
	}

	if req.Async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}
		payload, _ := json.Marshal(runMessage{
			TaxpayerID: taxpayerID,
			Period:     req.Period,
			Items:      req.Items,
			TraceID:    traceID,
		})
		if err := h.bus.Publish(ctx, taxpayerID, domain.TopicRunRequested, payload); err != nil {
			slog.Error("failed to queue run", "taxpayer_id", taxpayerID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue run",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "queued",
			"traceId": traceID,
		})
		return
	}

	assessment, err := h.runner.Run(ctx, &assess.RunInput{
		TaxpayerID: taxpayerID,
		Period:     req.Period,
		Items:      req.Items,
		TraceID:    traceID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		// The run failed terminally; the assessment carries the failure.
		if assessment != nil {
			writeJSON(w, http.StatusInternalServerError, assessment)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "run failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetRun retrieves an assessment by ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)
	runID := chi.URLParam(r, "id")

	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "run id is required",
		})
		return
	}

	assessment, err := h.repo.GetAssessment(ctx, taxpayerID, runID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("failed to get assessment", "id", runID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "run not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// ListRules returns the taxpayer's rules from the repository.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)

	ruleSet, err := h.repo.ListRules(ctx, taxpayerID)
	if err != nil {
		slog.Error("failed to list rules", "taxpayer_id", taxpayerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": ruleSet,
		"count": len(ruleSet),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, taxpayerID, ruleID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and persists a manual rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.Source == "" {
		rule.Source = domain.SourceManual
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, taxpayerID, &rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	h.invalidateRuleSet(ctx, taxpayerID)

	slog.Info("rule created", "id", rule.ID, "taxpayer_id", taxpayerID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Cached rule sets were invalidated.",
	})
}

// ProposeRule accepts a machine-extracted rule. Proposals below the
// activation threshold are stored inactive pending human review.
func (h *Handler) ProposeRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule.Source = domain.SourceExtracted

	activated := rule.Confidence >= h.engine.MinConfidence()
	if !activated {
		rule.Active = false
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, taxpayerID, &rule); err != nil {
		slog.Error("failed to save proposed rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	if activated && rule.Active {
		h.invalidateRuleSet(ctx, taxpayerID)
	}

	// Best-effort notification for downstream review tooling.
	if h.bus != nil {
		if payload, err := json.Marshal(rule); err == nil {
			if err := h.bus.Publish(ctx, taxpayerID, domain.TopicRuleProposed, payload); err != nil {
				slog.Warn("failed to publish rule proposal", "id", rule.ID, "error", err)
			}
		}
	}

	message := "Rule proposal accepted."
	if !activated {
		message = "Rule proposal stored inactive: confidence below activation threshold."
	}

	slog.Info("rule proposed",
		"id", rule.ID,
		"taxpayer_id", taxpayerID,
		"confidence", rule.Confidence,
		"activated", activated && rule.Active,
	)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":      rule,
		"activated": activated && rule.Active,
		"message":   message,
	})
}

// ReloadRules refreshes the cached rule set from the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)

	ruleSet, err := h.repo.ListRules(ctx, taxpayerID)
	if err != nil {
		slog.Error("failed to list rules", "taxpayer_id", taxpayerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules",
		})
		return
	}

	if h.cache != nil {
		if err := h.cache.SetRuleSet(ctx, taxpayerID, ruleSet, ruleSetTTL); err != nil {
			slog.Warn("failed to cache rule set", "taxpayer_id", taxpayerID, "error", err)
		}
	}

	slog.Info("rules reloaded", "taxpayer_id", taxpayerID, "count", len(ruleSet))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(ruleSet),
	})
}

// GetPeriodCredit retrieves the carried credit recorded for a period.
func (h *Handler) GetPeriodCredit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxpayerID := GetTaxpayerID(ctx)
	period := chi.URLParam(r, "period")

	credit, err := h.repo.GetPeriodCredit(ctx, taxpayerID, period)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no credit recorded for period",
			})
			return
		}
		slog.Error("failed to get period credit", "period", period, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get period credit",
		})
		return
	}

	writeJSON(w, http.StatusOK, credit)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// invalidateRuleSet drops the cached rule set after a rule change so the
// next run reloads from the repository.
func (h *Handler) invalidateRuleSet(ctx context.Context, taxpayerID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, taxpayerID, "ruleset"); err != nil {
		slog.Warn("failed to invalidate cached rule set", "taxpayer_id", taxpayerID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
