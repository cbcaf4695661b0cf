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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaigenticai/regulens/activity"
	"github.com/gaigenticai/regulens/agents"
	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/llm"
	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/store"
)

const version = "1.0.0"

// Run builds the platform and blocks until SIGINT/SIGTERM or a fatal server
// error: store, audit manager, rule engine, LLM provider, profile store,
// activity feed, the three agents, the orchestrator, and the HTTP API.
//
// Set REGULENS_CONFIG to load a YAML file before environment overrides.
func Run() error {
	log := logger.New("regulens")

	cfg, err := LoadConfig(os.Getenv("REGULENS_CONFIG"))
	if err != nil {
		log.ErrorWithErr("", "", "Configuration failed", err, nil)
		return err
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	// Persistence. With no DATABASE_URL every consumer runs memory-mode.
	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.Open(store.Config{URL: cfg.DatabaseURL})
		if err != nil {
			log.ErrorWithErr("", "", "Cannot open store", err, nil)
			return err
		}
		defer st.Close()
		if err := st.EnsureSchema(bootCtx); err != nil {
			log.ErrorWithErr("", "", "Schema bootstrap failed", err, nil)
			return err
		}
	} else {
		log.Warn("", "", "DATABASE_URL not set, running in memory mode", nil)
	}

	trail := audit.NewTrailManager(cfg.Audit, st)

	var repo *rules.Repository
	if st != nil {
		repo = rules.NewRepository(st)
	}
	engine := rules.NewEngine(cfg.Rules, repo)
	if _, err := engine.SeedDefaults(bootCtx); err != nil {
		log.ErrorWithErr("", "", "Rule seeding failed", err, nil)
		return err
	}

	profiles, err := agents.NewProfileStore(st, agents.ProfileStoreConfig{
		RedisURL:       cfg.RedisURL,
		VelocityWindow: cfg.Agents.VelocityWindow(),
	})
	if err != nil {
		log.ErrorWithErr("", "", "Cannot build profile store", err, nil)
		return err
	}

	feed := activity.NewFeed(activity.Config{QueueCapacity: cfg.QueueCapacity}, st)

	var provider llm.Provider
	if cfg.LLMEndpoint != "" {
		httpProvider, err := llm.NewHTTPProvider(llm.HTTPConfig{
			Name:     "llm-http",
			Endpoint: cfg.LLMEndpoint,
			APIKey:   cfg.LLMAPIKey,
		})
		if err != nil {
			log.ErrorWithErr("", "", "Cannot build LLM provider", err, nil)
			return err
		}
		provider = httpProvider
	} else {
		log.Warn("", "", "LLM_ENDPOINT not set, agents run without contextual inference", nil)
	}

	deps := &agents.Dependencies{
		Audit:       trail,
		Rules:       engine,
		LLM:         provider,
		Profiles:    profiles,
		Activity:    feed,
		Store:       st,
		DataBreaker: resilience.NewBreaker("customer_data", cfg.BreakerMaxFailures, cfg.BreakerCooldown()),
		LLMBreaker:  resilience.NewBreaker("inference", cfg.BreakerMaxFailures, cfg.BreakerCooldown()),
	}

	orch := New(cfg, deps)

	// Each agent merges its agent_configurations row over cfg.Agents
	// during Initialize, so registration passes the static defaults.
	fleet := []agents.ComplianceAgent{
		agents.NewTransactionGuardian("guardian-1"),
		agents.NewAuditIntelligence("intelligence-1"),
		agents.NewRegulatoryAssessor("assessor-1"),
	}
	for _, agent := range fleet {
		if err := orch.RegisterAgent(bootCtx, agent, cfg.Agents); err != nil {
			log.ErrorWithErr("", "", "Agent registration failed", err, map[string]interface{}{
				"agent_id": agent.AgentID(),
			})
			return err
		}
	}

	if err := orch.Start(bootCtx); err != nil {
		return err
	}

	srv := NewServer(cfg, orch)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info("", "", "regulens started", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
		"agents":  3,
		"store":   st != nil,
		"llm":     provider != nil,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("", "", "Shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case runErr = <-serverErr:
		log.ErrorWithErr("", "", "HTTP server failed", runErr, nil)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancelShutdown()

	// Ordering: stop intake first, then the fan-out machinery, then the
	// services agents write to.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "HTTP shutdown incomplete", err, nil)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "Orchestrator drain incomplete", err, nil)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "Rule engine shutdown incomplete", err, nil)
	}
	if err := feed.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "Activity feed shutdown incomplete", err, nil)
	}
	if err := trail.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "Audit manager shutdown incomplete", err, nil)
	}
	if err := profiles.Close(); err != nil {
		log.ErrorWithErr("", "", "Profile store close incomplete", err, nil)
	}

	log.Info("", "", "regulens stopped", nil)
	return runErr
}
