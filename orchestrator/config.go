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
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaigenticai/regulens/agents"
	"github.com/gaigenticai/regulens/audit"
	"github.com/gaigenticai/regulens/rules"
	"github.com/gaigenticai/regulens/shared/errs"
)

// Platform defaults. Durations are stored as integer seconds (or
// milliseconds where noted) so the YAML and env override paths stay plain.
const (
	DefaultPort                   = 8080
	DefaultQueueCapacity          = 256
	DefaultWorkersPerAgent        = 4
	DefaultRequestWaitSeconds     = 10
	DefaultShutdownGraceSeconds   = 15
	DefaultBreakerMaxFailures     = 5
	DefaultBreakerCooldownSeconds = 300
)

// Config is the process-wide configuration, loaded once at startup and
// passed by reference into constructors.
type Config struct {
	Port        int    `yaml:"port" json:"port"`
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	RedisURL    string `yaml:"redis_url" json:"redis_url"`
	LLMEndpoint string `yaml:"llm_endpoint" json:"llm_endpoint"`
	LLMAPIKey   string `yaml:"llm_api_key" json:"-"`

	// Fan-out bounds: one queue of QueueCapacity per registered agent,
	// drained by WorkersPerAgent workers.
	QueueCapacity   int `yaml:"queue_capacity" json:"queue_capacity"`
	WorkersPerAgent int `yaml:"workers_per_agent" json:"workers_per_agent"`

	// RequestWaitSeconds bounds how long POST /api/v1/events holds the
	// request open before answering 202.
	RequestWaitSeconds   int `yaml:"request_wait_seconds" json:"request_wait_seconds"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" json:"shutdown_grace_seconds"`

	BreakerMaxFailures     int `yaml:"breaker_max_failures" json:"breaker_max_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`

	// FaultPolicies maps an agent type to the decision type an agent fault
	// surfaces as (MONITOR when absent; DENY and ESCALATE are accepted).
	FaultPolicies map[string]string `yaml:"fault_policies" json:"fault_policies"`

	Agents agents.AgentConfig `yaml:"agents" json:"agents"`
	Rules  rules.Config       `yaml:"rules" json:"rules"`
	Audit  audit.Config       `yaml:"audit" json:"audit"`
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		Port:                   DefaultPort,
		QueueCapacity:          DefaultQueueCapacity,
		WorkersPerAgent:        DefaultWorkersPerAgent,
		RequestWaitSeconds:     DefaultRequestWaitSeconds,
		ShutdownGraceSeconds:   DefaultShutdownGraceSeconds,
		BreakerMaxFailures:     DefaultBreakerMaxFailures,
		BreakerCooldownSeconds: DefaultBreakerCooldownSeconds,
		Agents:                 agents.DefaultAgentConfig(),
	}
}

// LoadConfig builds the effective configuration: defaults first, then the
// optional YAML file at path, then environment-variable overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.Validation("config", "LoadConfig", "cannot read config file "+path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Validation("config", "LoadConfig", "malformed config file "+path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// applyEnv layers environment overrides over the file/default values.
// Malformed numeric values are ignored so one bad variable cannot take the
// platform down at boot.
func (c *Config) applyEnv() {
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("REDIS_URL", &c.RedisURL)
	envString("LLM_ENDPOINT", &c.LLMEndpoint)
	envString("LLM_API_KEY", &c.LLMAPIKey)
	envInt("PORT", &c.Port)
	envInt("QUEUE_CAPACITY", &c.QueueCapacity)
	envInt("WORKERS_PER_AGENT", &c.WorkersPerAgent)
	envInt("MAX_CONSECUTIVE_FAILURES", &c.BreakerMaxFailures)
	envInt("CIRCUIT_BREAKER_TIMEOUT", &c.BreakerCooldownSeconds)

	envFloat("FRAUD_THRESHOLD", &c.Agents.FraudThreshold)
	envFloat("VELOCITY_THRESHOLD", &c.Agents.VelocityThreshold)
	envFloat("HIGH_RISK_THRESHOLD", &c.Agents.HighRiskThreshold)
	envFloat("ANOMALY_THRESHOLD", &c.Agents.AnomalyThreshold)
	envString("SANCTIONED_COUNTRIES", &c.Agents.SanctionedCountries)
	if minutes, ok := lookupInt("ANALYSIS_INTERVAL_MINUTES"); ok && minutes > 0 {
		c.Agents.AnalysisIntervalSeconds = minutes * 60
	}

	envInt("EXECUTION_TIMEOUT_MS", &c.Rules.ExecutionTimeoutMS)
	envInt("MAX_PARALLEL_EXECUTIONS", &c.Rules.MaxParallelExecutions)
	envInt("CACHE_TTL_SECONDS", &c.Rules.CacheTTLSeconds)
	envInt("MAX_BATCH_SIZE", &c.Rules.MaxBatchSize)
}

// normalize clamps values no component can run with.
func (c *Config) normalize() {
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.WorkersPerAgent <= 0 {
		c.WorkersPerAgent = DefaultWorkersPerAgent
	}
	if c.RequestWaitSeconds <= 0 {
		c.RequestWaitSeconds = DefaultRequestWaitSeconds
	}
	if c.ShutdownGraceSeconds <= 0 {
		c.ShutdownGraceSeconds = DefaultShutdownGraceSeconds
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	if c.BreakerCooldownSeconds <= 0 {
		c.BreakerCooldownSeconds = DefaultBreakerCooldownSeconds
	}
}

// RequestWait returns the POST /api/v1/events hold deadline.
func (c *Config) RequestWait() time.Duration {
	return time.Duration(c.RequestWaitSeconds) * time.Second
}

// ShutdownGrace returns the drain window granted during Stop.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// BreakerCooldown returns the open-state cooldown for downstream breakers.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := lookupInt(key); ok {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = v
	}
}

func lookupInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
