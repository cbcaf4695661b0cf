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

package rules

import (
	"context"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/store"
)

// Repository persists rules and evaluation results in PostgreSQL.
type Repository struct {
	store *store.Store
	log   *logger.Logger
}

// NewRepository wraps a store. Returns nil for a nil store so the engine
// falls back to memory mode.
func NewRepository(st *store.Store) *Repository {
	if st == nil {
		return nil
	}
	return &Repository{
		store: st,
		log:   logger.New("rule_repository"),
	}
}

// SaveRule inserts or replaces a rule definition.
func (r *Repository) SaveRule(ctx context.Context, rule *Rule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errs.Persistence("rule_repository", "SaveRule", "failed to encode conditions", err)
	}

	_, err = r.store.Exec(ctx, `
		INSERT INTO advanced_rules (
			rule_id, rule_name, category, severity, description,
			conditions, action, threshold_score, tags, enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (rule_id) DO UPDATE SET
			rule_name = EXCLUDED.rule_name,
			category = EXCLUDED.category,
			severity = EXCLUDED.severity,
			description = EXCLUDED.description,
			conditions = EXCLUDED.conditions,
			action = EXCLUDED.action,
			threshold_score = EXCLUDED.threshold_score,
			tags = EXCLUDED.tags,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`,
		rule.RuleID, rule.Name, string(rule.Category), rule.Severity, rule.Description,
		conditionsJSON, string(rule.Action), rule.ThresholdScore, pq.Array(rule.Tags), rule.Enabled,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// DeleteRule removes a rule row.
func (r *Repository) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := r.store.Exec(ctx, `DELETE FROM advanced_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag on one rule.
func (r *Repository) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	result, err := r.store.Exec(ctx,
		`UPDATE advanced_rules SET enabled = $1, updated_at = NOW() WHERE rule_id = $2`,
		enabled, ruleID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// LoadRules reads every rule definition. Rows with undecodable conditions
// are skipped with a warning rather than failing the whole load.
func (r *Repository) LoadRules(ctx context.Context) ([]*Rule, error) {
	rows, err := r.store.Query(ctx, `
		SELECT rule_id, rule_name, category, severity, description,
		       conditions, action, threshold_score, tags, enabled,
		       created_at, updated_at
		FROM advanced_rules
		ORDER BY rule_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []*Rule
	for rows.Next() {
		rule := &Rule{}
		var category, action string
		var conditionsJSON []byte
		var tags pq.StringArray

		if err := rows.Scan(
			&rule.RuleID, &rule.Name, &category, &rule.Severity, &rule.Description,
			&conditionsJSON, &action, &rule.ThresholdScore, &tags, &rule.Enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			r.log.Warn("", "", "Failed to scan rule row", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			r.log.Warn("", "", "Failed to decode rule conditions, skipping rule", map[string]interface{}{
				"rule_id": rule.RuleID,
				"error":   err.Error(),
			})
			continue
		}

		rule.Category = Category(category)
		rule.Action = Action(action)
		rule.Tags = []string(tags)
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("rule_repository", "LoadRules", "error iterating rules", err)
	}
	return rules, nil
}

// RecordResult stores one evaluation outcome.
func (r *Repository) RecordResult(ctx context.Context, result *RuleResult) error {
	condScoresJSON, err := json.Marshal(result.ConditionScores)
	if err != nil {
		return errs.Persistence("rule_repository", "RecordResult", "failed to encode condition scores", err)
	}

	_, err = r.store.Exec(ctx, `
		INSERT INTO rule_evaluation_results (
			evaluation_id, rule_id, entity_id, entity_type, score,
			triggered, action, matched_conditions, condition_scores,
			duration_ms, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		result.EvaluationID, result.RuleID, result.EntityID, result.EntityType, result.Score,
		result.Triggered, string(result.Action), pq.Array(result.MatchedConditions), condScoresJSON,
		result.DurationMS, result.EvaluatedAt,
	)
	return err
}
