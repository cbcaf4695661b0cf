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

package store

import (
	"context"

	"github.com/gaigenticai/regulens/shared/errs"
)

// schemaStatements creates the platform tables. One statement group per
// table so a failure names the table that broke.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS advanced_rules (
		rule_id VARCHAR(255) PRIMARY KEY,
		rule_name VARCHAR(255) NOT NULL,
		category VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		description TEXT,
		conditions JSONB NOT NULL,
		action VARCHAR(50) NOT NULL,
		threshold_score DOUBLE PRECISION NOT NULL,
		tags TEXT[],
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_advanced_rules_category ON advanced_rules(category);
	CREATE INDEX IF NOT EXISTS idx_advanced_rules_enabled ON advanced_rules(enabled);`,

	`CREATE TABLE IF NOT EXISTS rule_evaluation_results (
		evaluation_id VARCHAR(255) PRIMARY KEY,
		rule_id VARCHAR(255) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		entity_type VARCHAR(100),
		score DOUBLE PRECISION NOT NULL,
		triggered BOOLEAN NOT NULL,
		action VARCHAR(50),
		matched_conditions TEXT[],
		condition_scores JSONB,
		duration_ms DOUBLE PRECISION,
		evaluated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_rule_results_rule ON rule_evaluation_results(rule_id);
	CREATE INDEX IF NOT EXISTS idx_rule_results_entity ON rule_evaluation_results(entity_id);
	CREATE INDEX IF NOT EXISTS idx_rule_results_evaluated ON rule_evaluation_results(evaluated_at);`,

	`CREATE TABLE IF NOT EXISTS decision_audit_trails (
		trail_id VARCHAR(255) PRIMARY KEY,
		decision_id VARCHAR(255) NOT NULL,
		agent_type VARCHAR(100) NOT NULL,
		event_id VARCHAR(255),
		entity_id VARCHAR(255),
		final_decision VARCHAR(50),
		confidence VARCHAR(20),
		requires_review BOOLEAN NOT NULL DEFAULT FALSE,
		review_reason TEXT,
		total_duration_ms DOUBLE PRECISION,
		metadata JSONB,
		started_at TIMESTAMPTZ NOT NULL,
		finalized_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_trails_decision ON decision_audit_trails(decision_id);
	CREATE INDEX IF NOT EXISTS idx_trails_agent ON decision_audit_trails(agent_type);
	CREATE INDEX IF NOT EXISTS idx_trails_finalized ON decision_audit_trails(finalized_at);`,

	`CREATE TABLE IF NOT EXISTS decision_steps (
		step_id VARCHAR(255) PRIMARY KEY,
		trail_id VARCHAR(255) NOT NULL,
		step_type VARCHAR(50) NOT NULL,
		sequence INTEGER NOT NULL,
		description TEXT,
		input JSONB,
		output JSONB,
		metadata JSONB,
		confidence_impact DOUBLE PRECISION,
		duration_ms DOUBLE PRECISION,
		occurred_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_trail ON decision_steps(trail_id);`,

	`CREATE TABLE IF NOT EXISTS decision_explanations (
		explanation_id VARCHAR(255) PRIMARY KEY,
		trail_id VARCHAR(255) NOT NULL,
		detail_level VARCHAR(20) NOT NULL,
		summary TEXT,
		narrative TEXT,
		key_factors JSONB,
		flowchart JSONB,
		generated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_explanations_trail ON decision_explanations(trail_id);`,

	`CREATE TABLE IF NOT EXISTS human_reviews (
		review_id VARCHAR(255) PRIMARY KEY,
		trail_id VARCHAR(255) NOT NULL,
		decision_id VARCHAR(255) NOT NULL,
		agent_type VARCHAR(100),
		reason TEXT,
		status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		reviewer_id VARCHAR(255),
		verdict VARCHAR(50),
		comments TEXT,
		requested_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_status ON human_reviews(status);
	CREATE INDEX IF NOT EXISTS idx_reviews_trail ON human_reviews(trail_id);`,

	`CREATE TABLE IF NOT EXISTS agent_configurations (
		agent_type VARCHAR(100) PRIMARY KEY,
		config JSONB NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,

	`CREATE TABLE IF NOT EXISTS customer_profiles (
		customer_id VARCHAR(255) PRIMARY KEY,
		risk_category VARCHAR(20),
		avg_transaction_amount DOUBLE PRECISION,
		home_country VARCHAR(10),
		kyc_verified BOOLEAN NOT NULL DEFAULT FALSE,
		sanctioned BOOLEAN NOT NULL DEFAULT FALSE,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,

	`CREATE TABLE IF NOT EXISTS transactions (
		transaction_id VARCHAR(255) PRIMARY KEY,
		customer_id VARCHAR(255) NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		currency VARCHAR(10),
		transaction_type VARCHAR(50),
		counterparty VARCHAR(255),
		counterparty_country VARCHAR(10),
		metadata JSONB,
		occurred_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id, occurred_at);`,

	`CREATE TABLE IF NOT EXISTS transaction_risk_assessments (
		assessment_id VARCHAR(255) PRIMARY KEY,
		transaction_id VARCHAR(255) NOT NULL,
		customer_id VARCHAR(255) NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		risk_level VARCHAR(20) NOT NULL,
		rolling_risk_score DOUBLE PRECISION,
		decision VARCHAR(50),
		factors JSONB,
		assessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_transaction ON transaction_risk_assessments(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_assessments_customer ON transaction_risk_assessments(customer_id);`,

	`CREATE TABLE IF NOT EXISTS agent_activities (
		activity_id VARCHAR(255) PRIMARY KEY,
		agent_type VARCHAR(100) NOT NULL,
		activity_type VARCHAR(100) NOT NULL,
		severity VARCHAR(20),
		description TEXT,
		details JSONB,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_activities_agent ON agent_activities(agent_type, occurred_at);`,
}

// EnsureSchema creates the platform tables and indexes if they do not
// already exist. Safe to run on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return errs.Persistence("store", "EnsureSchema", "schema creation failed", err)
		}
	}

	s.log.Info("", "", "Schema verified", map[string]interface{}{
		"tables": len(schemaStatements),
	})
	return nil
}
