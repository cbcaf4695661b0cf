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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/gaigenticai/regulens/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(db), mock
}

func TestLoadAgentConfigNilStore(t *testing.T) {
	defaults := DefaultAgentConfig()
	got, err := LoadAgentConfig(context.Background(), nil, TypeTransactionGuardian, defaults)
	if err != nil {
		t.Fatalf("LoadAgentConfig(nil store): %v", err)
	}
	if got != defaults {
		t.Error("nil store should return the defaults unchanged")
	}
}

func TestLoadAgentConfigMergesStoredKeys(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT config FROM agent_configurations`).
		WithArgs(TypeTransactionGuardian).
		WillReturnRows(sqlmock.NewRows([]string{"config"}).
			AddRow([]byte(`{"fraud_threshold": 0.9, "velocity_band_low": 3, "sanctioned_countries": "IR,KP"}`)))

	defaults := DefaultAgentConfig()
	got, err := LoadAgentConfig(context.Background(), st, TypeTransactionGuardian, defaults)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}

	if got.FraudThreshold != 0.9 {
		t.Errorf("FraudThreshold = %.2f, want the stored 0.9", got.FraudThreshold)
	}
	if got.VelocityBandLow != 3 {
		t.Errorf("VelocityBandLow = %d, want the stored 3", got.VelocityBandLow)
	}
	if got.SanctionedCountries != "IR,KP" {
		t.Errorf("SanctionedCountries = %q, want the stored list", got.SanctionedCountries)
	}
	// Keys absent from the stored row keep their defaults.
	if got.HighRiskThreshold != defaults.HighRiskThreshold {
		t.Errorf("HighRiskThreshold = %.2f, want the default %.2f", got.HighRiskThreshold, defaults.HighRiskThreshold)
	}
	if got.AmountBandHigh != defaults.AmountBandHigh {
		t.Errorf("AmountBandHigh = %.0f, want the default %.0f", got.AmountBandHigh, defaults.AmountBandHigh)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadAgentConfigMissingRowKeepsDefaults(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT config FROM agent_configurations`).
		WithArgs(TypeAuditIntelligence).
		WillReturnRows(sqlmock.NewRows([]string{"config"}))

	defaults := DefaultAgentConfig()
	got, err := LoadAgentConfig(context.Background(), st, TypeAuditIntelligence, defaults)
	if err != nil {
		t.Fatalf("LoadAgentConfig on missing row: %v", err)
	}
	if got != defaults {
		t.Error("missing row should return the defaults unchanged")
	}
}

func TestLoadAgentConfigRejectsBadJSON(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT config FROM agent_configurations`).
		WithArgs(TypeRegulatoryAssessor).
		WillReturnRows(sqlmock.NewRows([]string{"config"}).AddRow([]byte(`{broken`)))

	defaults := DefaultAgentConfig()
	got, err := LoadAgentConfig(context.Background(), st, TypeRegulatoryAssessor, defaults)
	if err == nil {
		t.Fatal("expected an error for invalid stored JSON")
	}
	if got != defaults {
		t.Error("invalid stored JSON should fall back to the defaults")
	}
}

func TestSaveAgentConfigUpserts(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO agent_configurations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := SaveAgentConfig(context.Background(), st, TypeTransactionGuardian, DefaultAgentConfig()); err != nil {
		t.Fatalf("SaveAgentConfig: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDurationAccessorsDefaultOnZero(t *testing.T) {
	var cfg AgentConfig

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"velocity window", cfg.VelocityWindow(), time.Hour},
		{"history window", cfg.HistoryWindow(), 24 * time.Hour},
		{"analysis interval", cfg.AnalysisInterval(), 15 * time.Minute},
		{"step timeout", cfg.StepTimeout(), 5 * time.Second},
		{"llm step timeout", cfg.LLMStepTimeout(), 30 * time.Second},
		{"pipeline timeout", cfg.PipelineTimeout(), 60 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	cfg.StepTimeoutSeconds = 2
	if cfg.StepTimeout() != 2*time.Second {
		t.Errorf("StepTimeout() = %v, want 2s", cfg.StepTimeout())
	}
}

func TestSanctionedCountrySetParsing(t *testing.T) {
	cfg := AgentConfig{SanctionedCountries: " ir, KP ,sy,, "}
	set := cfg.SanctionedCountrySet()
	for _, code := range []string{"IR", "KP", "SY"} {
		if !set[code] {
			t.Errorf("expected %s in the sanctioned set", code)
		}
	}
	if len(set) != 3 {
		t.Errorf("set has %d entries, want 3: %v", len(set), set)
	}
}
