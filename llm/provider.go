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

// Package llm defines the opaque reasoning-backend contract the compliance
// agents call. A provider receives a named task, an open payload, and the
// reasoning steps to follow, and returns free text or JSON. Concrete vendor
// adapters live outside this repository; this package ships the HTTP RPC
// client and a static provider for development and tests.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Provider is the reasoning backend contract. Implementations must be safe
// for concurrent use. An empty result or an error both mean failure; callers
// fall back to deterministic risk extraction.
type Provider interface {
	// Name identifies the provider instance in logs and step metadata.
	Name() string

	// ComplexReasoningTask runs one named reasoning task.
	ComplexReasoningTask(ctx context.Context, taskName string, payload map[string]interface{}, reasoningSteps []string) (string, error)

	// IsHealthy reports whether the last interaction succeeded.
	IsHealthy(ctx context.Context) bool
}

// RiskExtraction is the structured risk signal parsed from a provider
// response.
type RiskExtraction struct {
	RiskScore  float64 `json:"risk_score"`
	RiskLevel  string  `json:"risk_level"`
	Confidence float64 `json:"confidence"`
	Structured bool    `json:"structured"`
}

// keywordRisk maps response keywords to risk scores, checked in order so the
// strongest signal wins.
var keywordRisk = []struct {
	token string
	score float64
}{
	{"critical", 0.9},
	{"severe", 0.9},
	{"high risk", 0.7},
	{"high-risk", 0.7},
	{"high", 0.7},
	{"suspicious", 0.6},
	{"anomal", 0.6},
	{"elevated", 0.5},
	{"moderate", 0.5},
	{"medium", 0.5},
	{"minimal", 0.2},
	{"negligible", 0.2},
	{"low", 0.2},
}

// ParseRiskResponse extracts a risk signal from a provider response. It
// first looks for an embedded JSON object carrying risk_score/risk_level/
// confidence; failing that it falls back to keyword extraction with a
// reduced confidence. The empty response yields a conservative default.
func ParseRiskResponse(response string) RiskExtraction {
	if ext, ok := parseStructured(response); ok {
		return ext
	}

	lower := strings.ToLower(response)
	for _, kw := range keywordRisk {
		if strings.Contains(lower, kw.token) {
			return RiskExtraction{
				RiskScore:  kw.score,
				RiskLevel:  LevelForScore(kw.score),
				Confidence: 0.5,
				Structured: false,
			}
		}
	}

	return RiskExtraction{
		RiskScore:  0.3,
		RiskLevel:  LevelForScore(0.3),
		Confidence: 0.3,
		Structured: false,
	}
}

func parseStructured(response string) (RiskExtraction, bool) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return RiskExtraction{}, false
	}

	var parsed struct {
		RiskScore  *float64 `json:"risk_score"`
		RiskLevel  string   `json:"risk_level"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return RiskExtraction{}, false
	}
	if parsed.RiskScore == nil {
		return RiskExtraction{}, false
	}

	ext := RiskExtraction{
		RiskScore:  clamp01(*parsed.RiskScore),
		RiskLevel:  strings.ToUpper(parsed.RiskLevel),
		Confidence: 0.8,
		Structured: true,
	}
	if parsed.Confidence != nil {
		ext.Confidence = clamp01(*parsed.Confidence)
	}
	if ext.RiskLevel == "" {
		ext.RiskLevel = LevelForScore(ext.RiskScore)
	}
	return ext, true
}

// LevelForScore maps a risk score onto the LOW/MEDIUM/HIGH ordinal.
func LevelForScore(score float64) string {
	switch {
	case score >= 0.7:
		return "HIGH"
	case score >= 0.4:
		return "MEDIUM"
	default:
		return "LOW"
	}
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
