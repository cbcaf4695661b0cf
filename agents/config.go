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

package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/store"
)

// AgentConfig carries every tunable constant the agents use. Nothing in the
// risk formula or the decision policy is hard-coded: defaults live in
// DefaultAgentConfig, deployments override them per agent type through the
// agent_configurations table, and a present key overrides while an absent
// key keeps the default.
type AgentConfig struct {
	// Risk composition (severity base values and token hits).
	SeverityRiskLow      float64 `yaml:"severity_risk_low" json:"severity_risk_low"`
	SeverityRiskMedium   float64 `yaml:"severity_risk_medium" json:"severity_risk_medium"`
	SeverityRiskHigh     float64 `yaml:"severity_risk_high" json:"severity_risk_high"`
	SeverityRiskCritical float64 `yaml:"severity_risk_critical" json:"severity_risk_critical"`

	TokenRiskFraud      float64 `yaml:"token_risk_fraud" json:"token_risk_fraud"`           // FRAUD, BREACH
	TokenRiskViolation  float64 `yaml:"token_risk_violation" json:"token_risk_violation"`   // VIOLATION, NON_COMPLIANCE
	TokenRiskSuspicious float64 `yaml:"token_risk_suspicious" json:"token_risk_suspicious"` // SUSPICIOUS, ANOMALY

	HistoryWeight float64 `yaml:"history_weight" json:"history_weight"`
	ContextWeight float64 `yaml:"context_weight" json:"context_weight"`

	// Amount bands and their risk adjustments.
	AmountBandLow      float64 `yaml:"amount_band_low" json:"amount_band_low"`
	AmountBandMid      float64 `yaml:"amount_band_mid" json:"amount_band_mid"`
	AmountBandHigh     float64 `yaml:"amount_band_high" json:"amount_band_high"`
	AmountRiskLow      float64 `yaml:"amount_risk_low" json:"amount_risk_low"`
	AmountRiskMid      float64 `yaml:"amount_risk_mid" json:"amount_risk_mid"`
	AmountRiskHigh     float64 `yaml:"amount_risk_high" json:"amount_risk_high"`
	GeoAnomalyRisk     float64 `yaml:"geo_anomaly_risk" json:"geo_anomaly_risk"`
	SanctionedRisk     float64 `yaml:"sanctioned_risk" json:"sanctioned_risk"`
	UnusualHourRisk    float64 `yaml:"unusual_hour_risk" json:"unusual_hour_risk"`
	UnusualHourStart   int     `yaml:"unusual_hour_start" json:"unusual_hour_start"` // inclusive, UTC
	UnusualHourEnd     int     `yaml:"unusual_hour_end" json:"unusual_hour_end"`     // exclusive, UTC
	VelocityBandLow    int     `yaml:"velocity_band_low" json:"velocity_band_low"`
	VelocityBandMid    int     `yaml:"velocity_band_mid" json:"velocity_band_mid"`
	VelocityBandHigh   int     `yaml:"velocity_band_high" json:"velocity_band_high"`
	VelocityRiskLow    float64 `yaml:"velocity_risk_low" json:"velocity_risk_low"`
	VelocityRiskMid    float64 `yaml:"velocity_risk_mid" json:"velocity_risk_mid"`
	VelocityRiskHigh   float64 `yaml:"velocity_risk_high" json:"velocity_risk_high"`
	SanctionedCountries string `yaml:"sanctioned_countries" json:"sanctioned_countries"` // comma-separated ISO codes

	// Transaction Guardian decision policy.
	FraudThreshold    float64 `yaml:"fraud_threshold" json:"fraud_threshold"`
	HighRiskThreshold float64 `yaml:"high_risk_threshold" json:"high_risk_threshold"`
	VelocityThreshold float64 `yaml:"velocity_threshold" json:"velocity_threshold"`

	// Velocity-ratio mapping (current amount vs recent mean).
	VelocityRatioModerate     float64 `yaml:"velocity_ratio_moderate" json:"velocity_ratio_moderate"`
	VelocityRatioHigh         float64 `yaml:"velocity_ratio_high" json:"velocity_ratio_high"`
	VelocityRatioCritical     float64 `yaml:"velocity_ratio_critical" json:"velocity_ratio_critical"`
	VelocityRatioRiskModerate float64 `yaml:"velocity_ratio_risk_moderate" json:"velocity_ratio_risk_moderate"`
	VelocityRatioRiskHigh     float64 `yaml:"velocity_ratio_risk_high" json:"velocity_ratio_risk_high"`
	VelocityRatioRiskCritical float64 `yaml:"velocity_ratio_risk_critical" json:"velocity_ratio_risk_critical"`

	// Rolling risk profile EMA.
	EMACurrentWeight float64 `yaml:"ema_current_weight" json:"ema_current_weight"`
	EMANewWeight     float64 `yaml:"ema_new_weight" json:"ema_new_weight"`

	// Windows and intake. Durations are stored as integer seconds so the
	// JSONB override path stays plain; accessors convert to time.Duration.
	VelocityWindowSeconds int `yaml:"velocity_window_seconds" json:"velocity_window_seconds"`
	HistoryWindowSeconds  int `yaml:"history_window_seconds" json:"history_window_seconds"`
	GuardianQueueCapacity int `yaml:"guardian_queue_capacity" json:"guardian_queue_capacity"`

	// Audit Intelligence sweep.
	AnomalyThreshold        float64 `yaml:"anomaly_threshold" json:"anomaly_threshold"`
	AnalysisIntervalSeconds int     `yaml:"analysis_interval_seconds" json:"analysis_interval_seconds"`
	RatePerHourLimit        float64 `yaml:"rate_per_hour_limit" json:"rate_per_hour_limit"`
	ConfidenceStdDevMax     float64 `yaml:"confidence_stddev_max" json:"confidence_stddev_max"`
	ConfidenceMeanFloor     float64 `yaml:"confidence_mean_floor" json:"confidence_mean_floor"`
	MinAnalysisSamples      int     `yaml:"min_analysis_samples" json:"min_analysis_samples"`
	CorrelationThreshold    float64 `yaml:"correlation_threshold" json:"correlation_threshold"`
	SimilarityTopN          int     `yaml:"similarity_top_n" json:"similarity_top_n"`
	SimilarityDensityMin    float64 `yaml:"similarity_density_min" json:"similarity_density_min"`
	InvestigateThreshold    float64 `yaml:"investigate_threshold" json:"investigate_threshold"`
	MonitorThreshold        float64 `yaml:"monitor_threshold" json:"monitor_threshold"`

	// Regulatory Assessor.
	HighImpactThreshold float64 `yaml:"high_impact_threshold" json:"high_impact_threshold"`

	// Pipeline deadlines.
	StepTimeoutSeconds     int `yaml:"step_timeout_seconds" json:"step_timeout_seconds"`
	LLMStepTimeoutSeconds  int `yaml:"llm_step_timeout_seconds" json:"llm_step_timeout_seconds"`
	PipelineTimeoutSeconds int `yaml:"pipeline_timeout_seconds" json:"pipeline_timeout_seconds"`
}

// DefaultAgentConfig returns the platform defaults for every agent constant.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SeverityRiskLow:      0.1,
		SeverityRiskMedium:   0.3,
		SeverityRiskHigh:     0.5,
		SeverityRiskCritical: 0.7,

		TokenRiskFraud:      0.7,
		TokenRiskViolation:  0.5,
		TokenRiskSuspicious: 0.3,

		HistoryWeight: 0.4,
		ContextWeight: 0.3,

		AmountBandLow:       10_000,
		AmountBandMid:       50_000,
		AmountBandHigh:      100_000,
		AmountRiskLow:       0.1,
		AmountRiskMid:       0.2,
		AmountRiskHigh:      0.3,
		GeoAnomalyRisk:      0.2,
		SanctionedRisk:      0.4,
		UnusualHourRisk:     0.15,
		UnusualHourStart:    22,
		UnusualHourEnd:      6,
		VelocityBandLow:     5,
		VelocityBandMid:     10,
		VelocityBandHigh:    20,
		VelocityRiskLow:     0.1,
		VelocityRiskMid:     0.2,
		VelocityRiskHigh:    0.3,
		SanctionedCountries: "IR,KP,SY,CU",

		FraudThreshold:    0.8,
		HighRiskThreshold: 0.6,
		VelocityThreshold: 0.4,

		VelocityRatioModerate:     3,
		VelocityRatioHigh:         5,
		VelocityRatioCritical:     10,
		VelocityRatioRiskModerate: 0.15,
		VelocityRatioRiskHigh:     0.3,
		VelocityRatioRiskCritical: 0.45,

		EMACurrentWeight: 0.7,
		EMANewWeight:     0.3,

		VelocityWindowSeconds: 3600,
		HistoryWindowSeconds:  86400,
		GuardianQueueCapacity: 256,

		AnomalyThreshold:        0.85,
		AnalysisIntervalSeconds: 900,
		RatePerHourLimit:        10,
		ConfidenceStdDevMax:     2.0,
		ConfidenceMeanFloor:     1.0,
		MinAnalysisSamples:      20,
		CorrelationThreshold:    0.7,
		SimilarityTopN:          20,
		SimilarityDensityMin:    0.7,
		InvestigateThreshold:    0.6,
		MonitorThreshold:        0.4,

		HighImpactThreshold: 0.7,

		StepTimeoutSeconds:     5,
		LLMStepTimeoutSeconds:  30,
		PipelineTimeoutSeconds: 60,
	}
}

// VelocityWindow returns the sliding window used for velocity counting.
func (c *AgentConfig) VelocityWindow() time.Duration {
	if c.VelocityWindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.VelocityWindowSeconds) * time.Second
}

// HistoryWindow returns the lookback used for historical risk context.
func (c *AgentConfig) HistoryWindow() time.Duration {
	if c.HistoryWindowSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.HistoryWindowSeconds) * time.Second
}

// AnalysisInterval returns the cadence of the audit intelligence sweep.
func (c *AgentConfig) AnalysisInterval() time.Duration {
	if c.AnalysisIntervalSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.AnalysisIntervalSeconds) * time.Second
}

// StepTimeout returns the per-step deadline for ordinary pipeline steps.
func (c *AgentConfig) StepTimeout() time.Duration {
	if c.StepTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// LLMStepTimeout returns the extended deadline granted to LLM inference.
func (c *AgentConfig) LLMStepTimeout() time.Duration {
	if c.LLMStepTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LLMStepTimeoutSeconds) * time.Second
}

// PipelineTimeout returns the end-to-end deadline for one decision.
func (c *AgentConfig) PipelineTimeout() time.Duration {
	if c.PipelineTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PipelineTimeoutSeconds) * time.Second
}

// SanctionedCountrySet parses the comma-separated country list into a set.
func (c *AgentConfig) SanctionedCountrySet() map[string]bool {
	set := make(map[string]bool)
	for _, code := range strings.Split(c.SanctionedCountries, ",") {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			set[code] = true
		}
	}
	return set
}

// LoadAgentConfig merges the store-held configuration for one agent type
// over the supplied defaults. A missing row or a nil store keeps the
// defaults; a present row overrides exactly the keys it carries.
func LoadAgentConfig(ctx context.Context, st *store.Store, agentType string, defaults AgentConfig) (AgentConfig, error) {
	if st == nil {
		return defaults, nil
	}

	var raw []byte
	err := st.QueryRow(ctx,
		`SELECT config FROM agent_configurations WHERE agent_type = $1 AND enabled = TRUE`,
		agentType).Scan(&raw)
	if err == sql.ErrNoRows {
		return defaults, nil
	}
	if err != nil {
		return defaults, errs.Persistence("agents", "LoadAgentConfig", "failed to read configuration for "+agentType, err)
	}

	merged := defaults
	if err := json.Unmarshal(raw, &merged); err != nil {
		return defaults, errs.Validation("agents", "LoadAgentConfig", "stored configuration for "+agentType+" is not valid JSON", err)
	}
	return merged, nil
}

// SaveAgentConfig upserts the configuration row for one agent type.
func SaveAgentConfig(ctx context.Context, st *store.Store, agentType string, cfg AgentConfig) error {
	if st == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errs.Internal("agents", "SaveAgentConfig", "failed to encode configuration", err)
	}
	_, err = st.Exec(ctx, `
		INSERT INTO agent_configurations (agent_type, config, enabled, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (agent_type) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
	`, agentType, raw)
	if err != nil {
		return errs.Persistence("agents", "SaveAgentConfig", "failed to write configuration for "+agentType, err)
	}
	return nil
}
