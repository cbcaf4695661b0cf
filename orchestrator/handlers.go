// Copyright 2025 Gaigentic AI
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
)

// Server exposes the compliance platform over HTTP. It holds non-owning
// handles to the services the orchestrator owns.
type Server struct {
	cfg     Config
	log     *logger.Logger
	orch    *AgentOrchestrator
	started time.Time
}

// NewServer wires the HTTP surface around a built orchestrator.
func NewServer(cfg Config, orch *AgentOrchestrator) *Server {
	return &Server{
		cfg:     cfg,
		log:     logger.New("http"),
		orch:    orch,
		started: time.Now().UTC(),
	}
}

// Router builds the full route table wrapped in CORS middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/events", s.submitEvent).Methods("POST")
	r.HandleFunc("/api/v1/decisions/{decisionID}/trail", s.decisionTrail).Methods("GET")
	r.HandleFunc("/api/v1/decisions/{decisionID}/explanation", s.decisionExplanation).Methods("GET")
	r.HandleFunc("/api/v1/reviews/pending", s.pendingReviews).Methods("GET")
	r.HandleFunc("/api/v1/reviews/{decisionID}", s.recordReview).Methods("POST")
	r.HandleFunc("/api/v1/rules", s.listRules).Methods("GET")
	r.HandleFunc("/api/v1/rules", s.createRule).Methods("POST")
	r.HandleFunc("/api/v1/rules/{ruleID}", s.getRule).Methods("GET")
	r.HandleFunc("/api/v1/rules/{ruleID}", s.updateRule).Methods("PUT")
	r.HandleFunc("/api/v1/rules/{ruleID}", s.deleteRule).Methods("DELETE")
	r.HandleFunc("/api/v1/rules/{ruleID}/enable", s.enableRule).Methods("POST")
	r.HandleFunc("/api/v1/rules/{ruleID}/disable", s.disableRule).Methods("POST")
	r.HandleFunc("/api/v1/status", s.status).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.stats).Methods("GET")
	r.HandleFunc("/api/v1/activities", s.activities).Methods("GET")
	r.HandleFunc("/health", s.health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// submitEvent accepts one event, fans it out, and holds the request open up
// to the configured wait. When the agents outlast the deadline the event is
// acknowledged with 202 and the decisions land in the audit trail.
func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var event types.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.sendError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	future, err := s.orch.Submit(r.Context(), &event)
	if err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestWait())
	defer cancel()

	decisions, err := future.Wait(waitCtx)
	if err != nil {
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"event_id": event.EventID,
			"status":   "PROCESSING",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id":  event.EventID,
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) decisionTrail(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decisionID"]
	trail, err := s.orch.deps.Audit.GetDecisionAudit(r.Context(), decisionID)
	if err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, trail)
}

func (s *Server) decisionExplanation(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decisionID"]

	level := audit.LevelDetailed
	if raw := r.URL.Query().Get("level"); raw != "" {
		level = audit.ExplanationLevel(strings.ToUpper(raw))
		if !level.IsValid() {
			s.sendError(w, "unknown explanation level "+raw, http.StatusUnprocessableEntity)
			return
		}
	}

	explanation, err := s.orch.deps.Audit.GenerateExplanation(r.Context(), decisionID, level)
	if err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, explanation)
}

func (s *Server) pendingReviews(w http.ResponseWriter, r *http.Request) {
	trails, err := s.orch.deps.Audit.GetDecisionsRequiringReview(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": trails,
		"count":   len(trails),
	})
}

func (s *Server) recordReview(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decisionID"]

	var req struct {
		ReviewerID string `json:"reviewer_id"`
		Approved   bool   `json:"approved"`
		Feedback   string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ReviewerID == "" {
		s.sendError(w, "reviewer_id is required", http.StatusUnprocessableEntity)
		return
	}

	if !s.orch.deps.Audit.RecordHumanFeedback(r.Context(), decisionID, req.Feedback, req.Approved, req.ReviewerID) {
		s.sendError(w, "no finalized decision "+decisionID, http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision_id": decisionID,
		"approved":    req.Approved,
		"reviewer_id": req.ReviewerID,
	})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	engine := s.orch.deps.Rules
	var list []*rules.Rule
	switch {
	case r.URL.Query().Get("category") != "":
		list = engine.GetRulesByCategory(rules.Category(strings.ToUpper(r.URL.Query().Get("category"))))
	case r.URL.Query().Get("enabled") == "true":
		list = engine.GetActiveRules()
	default:
		list = engine.ListRules()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.sendError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if rule.RuleID == "" {
		rule.RuleID = uuid.New().String()
	}

	if err := s.orch.deps.Rules.CreateRule(r.Context(), &rule); err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.orch.deps.Rules.GetRule(mux.Vars(r)["ruleID"])
	if err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["ruleID"]

	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.sendError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.orch.deps.Rules.UpdateRule(r.Context(), ruleID, &rule); err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["ruleID"]
	if err := s.orch.deps.Rules.DeleteRule(r.Context(), ruleID); err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": ruleID})
}

func (s *Server) enableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) disableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ruleID := mux.Vars(r)["ruleID"]
	var err error
	if enabled {
		err = s.orch.deps.Rules.EnableRule(r.Context(), ruleID)
	} else {
		err = s.orch.deps.Rules.DisableRule(r.Context(), ruleID)
	}
	if err != nil {
		s.sendError(w, err.Error(), statusFromErr(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id": ruleID,
		"enabled": enabled,
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

// stats aggregates every long-lived component's counters into one payload.
func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	deps := s.orch.deps
	payload := map[string]interface{}{
		"orchestrator": s.orch.GetStats(),
		"metrics":      s.orch.Metrics().GetMetrics(),
	}
	if deps.Audit != nil {
		payload["audit"] = deps.Audit.GetStats()
	}
	if deps.Rules != nil {
		payload["rules"] = deps.Rules.GetPerformanceStats()
	}
	if deps.Activity != nil {
		payload["activity"] = deps.Activity.GetStats()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) activities(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusUnprocessableEntity)
			return
		}
		limit = parsed
	}

	feed := s.orch.deps.Activity
	if feed == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"activities": []interface{}{}, "count": 0})
		return
	}
	recent := feed.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"activities": recent,
		"count":      len(recent),
	})
}

// health reports component liveness. The store decides the overall verdict;
// a missing LLM only degrades.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	deps := s.orch.deps
	overall := "healthy"
	code := http.StatusOK
	components := map[string]string{}

	if deps.Store != nil {
		if err := deps.Store.Ping(r.Context()); err != nil {
			components["store"] = "down"
			overall = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			components["store"] = "up"
		}
	} else {
		components["store"] = "memory"
	}

	if deps.LLM != nil {
		if deps.LLM.IsHealthy(r.Context()) {
			components["llm"] = "up"
		} else {
			components["llm"] = "degraded"
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	} else {
		components["llm"] = "absent"
	}

	if deps.DataBreaker != nil {
		components["data_breaker"] = deps.DataBreaker.State()
	}
	if deps.LLMBreaker != nil {
		components["llm_breaker"] = deps.LLMBreaker.State()
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":         overall,
		"service":        "regulens",
		"version":        version,
		"uptime_seconds": time.Since(s.started).Seconds(),
		"components":     components,
		"orchestrator":   s.orch.Status(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.ErrorWithErr("", "", "Failed to encode response", err, nil)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

// statusFromErr maps the error taxonomy onto HTTP status codes.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, audit.ErrTrailNotFound), errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errs.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errs.IsBackpressure(err):
		return http.StatusTooManyRequests
	case errs.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
