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
	"fmt"
	"strings"

	"github.com/gaigenticai/regulens/shared/types"
)

// RiskInput bundles everything the shared risk composition consumes. The
// transaction, profile, velocity, and history members are optional; absent
// members simply contribute nothing.
type RiskInput struct {
	Event          *types.Event
	Transaction    *Transaction
	Profile        *CustomerProfile
	Velocity       int     // events in the sliding window, including this one
	HistoricalRisk float64 // customer rolling risk, 0 when no history
	ContextRisk    float64 // LLM contextual risk, 0 when inference skipped

	// Adjustments carries agent-specific extras, e.g. the guardian's
	// velocity-ratio risk.
	Adjustments []RiskAdjustment
}

// RiskAdjustment is one agent-specific addition to the composed score.
type RiskAdjustment struct {
	Factor string
	Value  float64
	Reason string
}

// ComposeRisk computes one risk score in [0,1] from a weighted sum of the
// event's severity, risk tokens in its type and description, the customer's
// historical risk, the LLM's contextual read, and transaction adjustments.
// Each contributing term becomes one reasoning entry so the audit trail can
// show exactly how the number was built.
func ComposeRisk(cfg *AgentConfig, in RiskInput) (float64, []types.Reasoning) {
	var (
		score   float64
		reasons []types.Reasoning
	)

	add := func(factor string, v float64, format string, args ...interface{}) {
		if v == 0 {
			return
		}
		score += v
		reasons = append(reasons, types.Reasoning{
			Factor:   factor,
			Evidence: fmt.Sprintf(format, args...),
			Weight:   v,
			Source:   "risk_composition",
		})
	}

	if in.Event != nil {
		add("severity", severityRisk(cfg, in.Event.Severity), "event severity %s", in.Event.Severity)

		if token, v := tokenRisk(cfg, in.Event); v != 0 {
			add("risk_token", v, "event mentions %s", token)
		}
	}

	add("history", cfg.HistoryWeight*in.HistoricalRisk, "customer risk history %.2f weighted %.1f", in.HistoricalRisk, cfg.HistoryWeight)
	add("context", cfg.ContextWeight*in.ContextRisk, "contextual analysis %.2f weighted %.1f", in.ContextRisk, cfg.ContextWeight)

	if tx := in.Transaction; tx != nil {
		switch {
		case tx.Amount > cfg.AmountBandHigh:
			add("amount_band", cfg.AmountRiskHigh, "amount %.2f above %.0f", tx.Amount, cfg.AmountBandHigh)
		case tx.Amount > cfg.AmountBandMid:
			add("amount_band", cfg.AmountRiskMid, "amount %.2f above %.0f", tx.Amount, cfg.AmountBandMid)
		case tx.Amount > cfg.AmountBandLow:
			add("amount_band", cfg.AmountRiskLow, "amount %.2f above %.0f", tx.Amount, cfg.AmountBandLow)
		}

		if in.Profile != nil && tx.CounterpartyCountry != "" && in.Profile.HomeCountry != "" &&
			!strings.EqualFold(tx.CounterpartyCountry, in.Profile.HomeCountry) {
			add("geo_anomaly", cfg.GeoAnomalyRisk, "counterparty country %s differs from home country %s", tx.CounterpartyCountry, in.Profile.HomeCountry)
		}

		sanctioned := cfg.SanctionedCountrySet()
		if sanctioned[strings.ToUpper(tx.CounterpartyCountry)] {
			add("sanctions", cfg.SanctionedRisk, "counterparty country %s is sanctioned", tx.CounterpartyCountry)
		} else if in.Profile != nil && in.Profile.Sanctioned {
			add("sanctions", cfg.SanctionedRisk, "customer %s is on a sanctions list", in.Profile.CustomerID)
		}

		if unusualHour(cfg, tx.OccurredAt.UTC().Hour()) {
			add("unusual_hour", cfg.UnusualHourRisk, "transaction at unusual hour %02d:00 UTC", tx.OccurredAt.UTC().Hour())
		}
	}

	switch {
	case in.Velocity >= cfg.VelocityBandHigh && cfg.VelocityBandHigh > 0:
		add("velocity_band", cfg.VelocityRiskHigh, "velocity %d at or above %d in window", in.Velocity, cfg.VelocityBandHigh)
	case in.Velocity >= cfg.VelocityBandMid && cfg.VelocityBandMid > 0:
		add("velocity_band", cfg.VelocityRiskMid, "velocity %d at or above %d in window", in.Velocity, cfg.VelocityBandMid)
	case in.Velocity >= cfg.VelocityBandLow && cfg.VelocityBandLow > 0:
		add("velocity_band", cfg.VelocityRiskLow, "velocity %d at or above %d in window", in.Velocity, cfg.VelocityBandLow)
	}

	for _, adj := range in.Adjustments {
		add(adj.Factor, adj.Value, "%s", adj.Reason)
	}

	return clamp01(score), reasons
}

// FactorStrings renders reasoning entries as the flat strings a
// RiskAssessment carries.
func FactorStrings(reasons []types.Reasoning) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, fmt.Sprintf("%s (%+.2f)", r.Evidence, r.Weight))
	}
	return out
}

func severityRisk(cfg *AgentConfig, sev types.Severity) float64 {
	switch sev {
	case types.SeverityCritical:
		return cfg.SeverityRiskCritical
	case types.SeverityHigh:
		return cfg.SeverityRiskHigh
	case types.SeverityMedium:
		return cfg.SeverityRiskMedium
	case types.SeverityLow:
		return cfg.SeverityRiskLow
	}
	return cfg.SeverityRiskLow
}

// tokenRisk scans the event type, source type, and description for risk
// tokens. The strongest matching group wins; groups do not stack, so a
// "suspected fraud" description is not double counted.
func tokenRisk(cfg *AgentConfig, event *types.Event) (string, float64) {
	u := strings.ToUpper(string(event.Type) + " " + event.Source.Type + " " + event.Description)
	switch {
	case strings.Contains(u, "FRAUD") || strings.Contains(u, "BREACH"):
		return "fraud or breach", cfg.TokenRiskFraud
	case strings.Contains(u, "VIOLATION") || strings.Contains(u, "NON_COMPLIANCE"):
		return "a violation", cfg.TokenRiskViolation
	case strings.Contains(u, "SUSPICIOUS") || strings.Contains(u, "ANOMALY"):
		return "suspicious activity", cfg.TokenRiskSuspicious
	}
	return "", 0
}

// unusualHour reports whether the UTC hour falls in the configured quiet
// window, which may wrap midnight (default 22:00 through 06:00).
func unusualHour(cfg *AgentConfig, hour int) bool {
	start, end := cfg.UnusualHourStart, cfg.UnusualHourEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
