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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/shared/types"
	"github.com/gaigenticai/regulens/store"
)

// trailStore persists trails, steps, explanations, and human reviews. The
// relational columns carry the queryable fields; agent name, trigger event,
// original input, risk assessment, and alternatives ride the metadata JSONB
// column.
type trailStore struct {
	store *store.Store
	log   *logger.Logger
}

// newTrailStore wraps a store. Returns nil for a nil store so the manager
// runs in memory mode.
func newTrailStore(st *store.Store) *trailStore {
	if st == nil {
		return nil
	}
	return &trailStore{
		store: st,
		log:   logger.New("audit_store"),
	}
}

// trailMeta is the JSONB payload for trail fields without dedicated columns.
type trailMeta struct {
	AgentName      string                 `json:"agent_name,omitempty"`
	TriggerEvent   string                 `json:"trigger_event,omitempty"`
	OriginalInput  map[string]interface{} `json:"original_input,omitempty"`
	RiskAssessment *types.RiskAssessment  `json:"risk_assessment,omitempty"`
	Alternatives   []string               `json:"alternatives,omitempty"`
}

func encodeTrailMeta(trail *Trail) ([]byte, error) {
	return json.Marshal(trailMeta{
		AgentName:      trail.AgentName,
		TriggerEvent:   trail.TriggerEvent,
		OriginalInput:  trail.OriginalInput,
		RiskAssessment: trail.RiskAssessment,
		Alternatives:   trail.Alternatives,
	})
}

func applyTrailMeta(trail *Trail, raw []byte) {
	if len(raw) == 0 {
		return
	}
	var meta trailMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return
	}
	trail.AgentName = meta.AgentName
	trail.TriggerEvent = meta.TriggerEvent
	trail.OriginalInput = meta.OriginalInput
	trail.RiskAssessment = meta.RiskAssessment
	trail.Alternatives = meta.Alternatives
}

func marshalOrEmpty(m map[string]interface{}) []byte {
	if m == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// SaveTrail writes a finalized trail in one transaction: the header, then
// every buffered step in order, then the derived explanation. The statements
// are conflict-tolerant so a retried finalization does not duplicate rows.
func (s *trailStore) SaveTrail(ctx context.Context, trail *Trail, exp *Explanation) error {
	meta, err := encodeTrailMeta(trail)
	if err != nil {
		return errs.Persistence("audit_store", "SaveTrail", "failed to encode trail metadata", err)
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decision_audit_trails (
				trail_id, decision_id, agent_type, event_id, entity_id,
				final_decision, confidence, requires_review, review_reason,
				total_duration_ms, metadata, started_at, finalized_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (trail_id) DO UPDATE SET
				final_decision = EXCLUDED.final_decision,
				confidence = EXCLUDED.confidence,
				requires_review = EXCLUDED.requires_review,
				review_reason = EXCLUDED.review_reason,
				total_duration_ms = EXCLUDED.total_duration_ms,
				metadata = EXCLUDED.metadata,
				finalized_at = EXCLUDED.finalized_at
		`,
			trail.TrailID, trail.DecisionID, trail.AgentType, trail.EventID, trail.EntityID,
			trail.FinalDecision, string(trail.FinalConfidence), trail.RequiresHumanReview, trail.HumanReviewReason,
			trail.TotalProcessingTimeMS, meta, trail.StartedAt, trail.CompletedAt,
		)
		if err != nil {
			return errs.Persistence("audit_store", "SaveTrail", "failed to write trail header", err)
		}

		for _, step := range trail.Steps {
			if err := insertStepTx(ctx, tx, step); err != nil {
				return err
			}
		}

		if exp != nil {
			if err := insertExplanationTx(ctx, tx, exp); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertStepTx(ctx context.Context, tx *sql.Tx, step *Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO decision_steps (
			step_id, trail_id, step_type, sequence, description,
			input, output, metadata, confidence_impact, duration_ms, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (step_id) DO NOTHING
	`,
		step.StepID, step.TrailID, string(step.Type), step.Sequence, step.Description,
		marshalOrEmpty(step.Input), marshalOrEmpty(step.Output), marshalOrEmpty(step.Metadata),
		step.ConfidenceImpact, step.ProcessingTimeMS, step.Timestamp,
	)
	if err != nil {
		return errs.Persistence("audit_store", "SaveTrail", "failed to write step "+step.StepID, err)
	}
	return nil
}

func insertExplanationTx(ctx context.Context, tx *sql.Tx, exp *Explanation) error {
	keyFactors, err := json.Marshal(exp.KeyFactors)
	if err != nil {
		keyFactors = []byte("[]")
	}
	flowchart, err := json.Marshal(exp.Flowchart)
	if err != nil {
		flowchart = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decision_explanations (
			explanation_id, trail_id, detail_level, summary, narrative,
			key_factors, flowchart, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (explanation_id) DO NOTHING
	`,
		exp.ExplanationID, exp.TrailID, string(exp.Level), exp.Summary, exp.Narrative,
		keyFactors, flowchart, exp.GeneratedAt,
	)
	if err != nil {
		return errs.Persistence("audit_store", "SaveTrail", "failed to write explanation", err)
	}
	return nil
}

// InsertStep appends one post-finalization step (review request, feedback)
// outside the finalization transaction.
func (s *trailStore) InsertStep(ctx context.Context, step *Step) error {
	_, err := s.store.Exec(ctx, `
		INSERT INTO decision_steps (
			step_id, trail_id, step_type, sequence, description,
			input, output, metadata, confidence_impact, duration_ms, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (step_id) DO NOTHING
	`,
		step.StepID, step.TrailID, string(step.Type), step.Sequence, step.Description,
		marshalOrEmpty(step.Input), marshalOrEmpty(step.Output), marshalOrEmpty(step.Metadata),
		step.ConfidenceImpact, step.ProcessingTimeMS, step.Timestamp,
	)
	return err
}

// UpdateReviewFields rewrites the mutable human-review columns on a trail.
func (s *trailStore) UpdateReviewFields(ctx context.Context, trail *Trail) error {
	_, err := s.store.Exec(ctx, `
		UPDATE decision_audit_trails
		SET requires_review = $1, review_reason = $2
		WHERE trail_id = $3
	`, trail.RequiresHumanReview, trail.HumanReviewReason, trail.TrailID)
	return err
}

// InsertReview stores a pending human review.
func (s *trailStore) InsertReview(ctx context.Context, review *HumanReview) error {
	_, err := s.store.Exec(ctx, `
		INSERT INTO human_reviews (
			review_id, trail_id, decision_id, agent_type, reason,
			status, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (review_id) DO NOTHING
	`,
		review.ReviewID, review.TrailID, review.DecisionID, review.AgentType, review.Reason,
		review.Status, review.RequestedAt,
	)
	return err
}

// ResolveReview records the reviewer's verdict on the pending review rows of
// one decision.
func (s *trailStore) ResolveReview(ctx context.Context, decisionID, reviewerID, verdict, comments string, resolvedAt time.Time) error {
	_, err := s.store.Exec(ctx, `
		UPDATE human_reviews
		SET status = $1, reviewer_id = $2, verdict = $3, comments = $4, resolved_at = $5
		WHERE decision_id = $6 AND status = $7
	`, ReviewStatusResolved, reviewerID, verdict, comments, resolvedAt, decisionID, ReviewStatusPending)
	return err
}

const trailColumns = `trail_id, decision_id, agent_type,
	COALESCE(event_id, ''), COALESCE(entity_id, ''),
	COALESCE(final_decision, ''), COALESCE(confidence, ''),
	requires_review, COALESCE(review_reason, ''),
	COALESCE(total_duration_ms, 0), metadata, started_at, finalized_at`

func scanTrail(rows interface{ Scan(...interface{}) error }) (*Trail, error) {
	trail := &Trail{}
	var confidence string
	var meta []byte
	var finalizedAt sql.NullTime

	err := rows.Scan(
		&trail.TrailID, &trail.DecisionID, &trail.AgentType,
		&trail.EventID, &trail.EntityID,
		&trail.FinalDecision, &confidence,
		&trail.RequiresHumanReview, &trail.HumanReviewReason,
		&trail.TotalProcessingTimeMS, &meta, &trail.StartedAt, &finalizedAt,
	)
	if err != nil {
		return nil, err
	}

	trail.FinalConfidence = types.Confidence(confidence)
	if finalizedAt.Valid {
		trail.CompletedAt = finalizedAt.Time
		trail.Finalized = true
	}
	applyTrailMeta(trail, meta)
	return trail, nil
}

// GetTrailByDecision loads one trail and its steps by decision ID.
func (s *trailStore) GetTrailByDecision(ctx context.Context, decisionID string) (*Trail, error) {
	row := s.store.QueryRow(ctx,
		`SELECT `+trailColumns+` FROM decision_audit_trails WHERE decision_id = $1`, decisionID)

	trail, err := scanTrail(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTrailNotFound
		}
		return nil, errs.Persistence("audit_store", "GetTrailByDecision", "failed to load trail", err)
	}

	trail.Steps, err = s.loadSteps(ctx, trail.TrailID)
	if err != nil {
		return nil, err
	}
	return trail, nil
}

// loadSteps reads a trail's steps in recorded order.
func (s *trailStore) loadSteps(ctx context.Context, trailID string) ([]*Step, error) {
	rows, err := s.store.Query(ctx, `
		SELECT step_id, trail_id, step_type, sequence, description,
		       input, output, metadata, confidence_impact, duration_ms, occurred_at
		FROM decision_steps
		WHERE trail_id = $1
		ORDER BY sequence ASC
	`, trailID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var steps []*Step
	for rows.Next() {
		step := &Step{}
		var stepType string
		var input, output, meta []byte

		if err := rows.Scan(
			&step.StepID, &step.TrailID, &stepType, &step.Sequence, &step.Description,
			&input, &output, &meta, &step.ConfidenceImpact, &step.ProcessingTimeMS, &step.Timestamp,
		); err != nil {
			return nil, errs.Persistence("audit_store", "loadSteps", "failed to scan step", err)
		}

		step.Type = StepType(stepType)
		_ = json.Unmarshal(input, &step.Input)
		_ = json.Unmarshal(output, &step.Output)
		_ = json.Unmarshal(meta, &step.Metadata)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("audit_store", "loadSteps", "error iterating steps", err)
	}
	return steps, nil
}

// trailQuery filters the finalized-trail queries. Zero values are unfiltered.
type trailQuery struct {
	AgentType      string
	Since          time.Time
	Until          time.Time
	RequiresReview bool
	Limit          int
}

// QueryTrails loads finalized trail headers matching the filter, newest
// first. Steps are loaded per trail; headers that fail step loading are
// skipped with a warning rather than failing the query.
func (s *trailStore) QueryTrails(ctx context.Context, q trailQuery) ([]*Trail, error) {
	query := `SELECT ` + trailColumns + ` FROM decision_audit_trails WHERE finalized_at IS NOT NULL`
	args := make([]interface{}, 0, 4)

	if q.AgentType != "" {
		args = append(args, q.AgentType)
		query += ` AND agent_type = $` + strconv.Itoa(len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		query += ` AND finalized_at >= $` + strconv.Itoa(len(args))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		query += ` AND finalized_at <= $` + strconv.Itoa(len(args))
	}
	if q.RequiresReview {
		query += ` AND requires_review = TRUE`
	}
	query += ` ORDER BY finalized_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var trails []*Trail
	for rows.Next() {
		trail, err := scanTrail(rows)
		if err != nil {
			return nil, errs.Persistence("audit_store", "QueryTrails", "failed to scan trail", err)
		}
		trails = append(trails, trail)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("audit_store", "QueryTrails", "error iterating trails", err)
	}

	for _, trail := range trails {
		steps, err := s.loadSteps(ctx, trail.TrailID)
		if err != nil {
			s.log.Warn("", trail.DecisionID, "Failed to load steps for trail", map[string]interface{}{
				"trail_id": trail.TrailID,
				"error":    err.Error(),
			})
			continue
		}
		trail.Steps = steps
	}
	return trails, nil
}
