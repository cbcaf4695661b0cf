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
	"path/filepath"
	"testing"
	"time"

	"github.com/gaigenticai/regulens/shared/errs"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regulens.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want %d", cfg.QueueCapacity, DefaultQueueCapacity)
	}
	if cfg.WorkersPerAgent != DefaultWorkersPerAgent {
		t.Errorf("WorkersPerAgent = %d, want %d", cfg.WorkersPerAgent, DefaultWorkersPerAgent)
	}
	if cfg.Agents.FraudThreshold != 0.8 {
		t.Errorf("Agents.FraudThreshold = %.2f, want the 0.8 default", cfg.Agents.FraudThreshold)
	}
	if cfg.RequestWait() != 10*time.Second {
		t.Errorf("RequestWait = %v, want 10s", cfg.RequestWait())
	}
	if cfg.ShutdownGrace() != 15*time.Second {
		t.Errorf("ShutdownGrace = %v, want 15s", cfg.ShutdownGrace())
	}
	if cfg.BreakerCooldown() != 300*time.Second {
		t.Errorf("BreakerCooldown = %v, want 300s", cfg.BreakerCooldown())
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := writeConfigFile(t, `
port: 9090
database_url: postgres://db:5432/regulens
queue_capacity: 16
workers_per_agent: 2
fault_policies:
  TRANSACTION_GUARDIAN: DENY
agents:
  fraud_threshold: 0.9
rules:
  max_batch_size: 10
audit:
  financial_impact_threshold: 50000
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://db:5432/regulens" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.QueueCapacity != 16 || cfg.WorkersPerAgent != 2 {
		t.Errorf("fan-out bounds = (%d, %d), want (16, 2)", cfg.QueueCapacity, cfg.WorkersPerAgent)
	}
	if cfg.FaultPolicies["TRANSACTION_GUARDIAN"] != "DENY" {
		t.Errorf("FaultPolicies = %v", cfg.FaultPolicies)
	}
	if cfg.Agents.FraudThreshold != 0.9 {
		t.Errorf("Agents.FraudThreshold = %.2f, want the file's 0.9", cfg.Agents.FraudThreshold)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Agents.HighRiskThreshold != 0.6 {
		t.Errorf("Agents.HighRiskThreshold = %.2f, want the 0.6 default", cfg.Agents.HighRiskThreshold)
	}
	if cfg.Rules.MaxBatchSize != 10 {
		t.Errorf("Rules.MaxBatchSize = %d, want 10", cfg.Rules.MaxBatchSize)
	}
	if cfg.Audit.FinancialImpactThreshold != 50_000 {
		t.Errorf("Audit.FinancialImpactThreshold = %.0f, want 50000", cfg.Audit.FinancialImpactThreshold)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "port: 9090\n")

	t.Setenv("PORT", "7070")
	t.Setenv("FRAUD_THRESHOLD", "0.95")
	t.Setenv("SANCTIONED_COUNTRIES", "IR,KP")
	t.Setenv("ANALYSIS_INTERVAL_MINUTES", "2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want the env's 7070 over the file's 9090", cfg.Port)
	}
	if cfg.Agents.FraudThreshold != 0.95 {
		t.Errorf("Agents.FraudThreshold = %.2f, want 0.95", cfg.Agents.FraudThreshold)
	}
	if cfg.Agents.SanctionedCountries != "IR,KP" {
		t.Errorf("Agents.SanctionedCountries = %q, want IR,KP", cfg.Agents.SanctionedCountries)
	}
	if cfg.Agents.AnalysisIntervalSeconds != 120 {
		t.Errorf("Agents.AnalysisIntervalSeconds = %d, want 120", cfg.Agents.AnalysisIntervalSeconds)
	}
}

func TestLoadConfigIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	t.Setenv("FRAUD_THRESHOLD", "very high")
	t.Setenv("QUEUE_CAPACITY", "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want the default despite the malformed override", cfg.Port)
	}
	if cfg.Agents.FraudThreshold != 0.8 {
		t.Errorf("Agents.FraudThreshold = %.2f, want the default", cfg.Agents.FraudThreshold)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want the default", cfg.QueueCapacity)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errs.IsValidation(err) {
		t.Errorf("missing file = %v, want a validation error", err)
	}

	path := writeConfigFile(t, "port: [broken\n")
	if _, err := LoadConfig(path); !errs.IsValidation(err) {
		t.Errorf("malformed file = %v, want a validation error", err)
	}
}

func TestLoadConfigClampsUnusableValues(t *testing.T) {
	path := writeConfigFile(t, `
port: 70000
queue_capacity: -5
workers_per_agent: 0
request_wait_seconds: -1
breaker_max_failures: 0
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want the default for an out-of-range value", cfg.Port)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want the default", cfg.QueueCapacity)
	}
	if cfg.WorkersPerAgent != DefaultWorkersPerAgent {
		t.Errorf("WorkersPerAgent = %d, want the default", cfg.WorkersPerAgent)
	}
	if cfg.RequestWaitSeconds != DefaultRequestWaitSeconds {
		t.Errorf("RequestWaitSeconds = %d, want the default", cfg.RequestWaitSeconds)
	}
	if cfg.BreakerMaxFailures != DefaultBreakerMaxFailures {
		t.Errorf("BreakerMaxFailures = %d, want the default", cfg.BreakerMaxFailures)
	}
}
