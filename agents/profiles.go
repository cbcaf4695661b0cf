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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/gaigenticai/regulens/resilience"
	"github.com/gaigenticai/regulens/shared/errs"
	"github.com/gaigenticai/regulens/shared/logger"
	"github.com/gaigenticai/regulens/store"
)

// ErrProfileNotFound reports that no customer profile exists for the ID.
var ErrProfileNotFound = errors.New("agents: customer profile not found")

// CustomerProfile is the KYC view of one customer used during transaction
// risk scoring.
type CustomerProfile struct {
	CustomerID           string                 `json:"customer_id"`
	RiskCategory         string                 `json:"risk_category"`
	AvgTransactionAmount float64                `json:"avg_transaction_amount"`
	HomeCountry          string                 `json:"home_country"`
	KYCVerified          bool                   `json:"kyc_verified"`
	Sanctioned           bool                   `json:"sanctioned"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// AMLStatus reads the anti-money-laundering flag from profile metadata.
// Empty means no flag is on file.
func (p *CustomerProfile) AMLStatus() string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	if s, ok := p.Metadata["aml_status"].(string); ok {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	return ""
}

// DailyLimit reads the per-day amount ceiling from profile metadata.
// Zero means no limit is configured.
func (p *CustomerProfile) DailyLimit() float64 {
	if p == nil || p.Metadata == nil {
		return 0
	}
	switch v := p.Metadata["daily_limit"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// copyProfile detaches a profile from shared state so callers can mutate
// their view safely.
func copyProfile(p *CustomerProfile) *CustomerProfile {
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Transaction is one financial transaction as persisted for history lookups.
type Transaction struct {
	TransactionID       string                 `json:"transaction_id"`
	CustomerID          string                 `json:"customer_id"`
	Amount              float64                `json:"amount"`
	Currency            string                 `json:"currency"`
	TransactionType     string                 `json:"transaction_type"`
	Counterparty        string                 `json:"counterparty"`
	CounterpartyCountry string                 `json:"counterparty_country"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt          time.Time              `json:"occurred_at"`
}

// RiskRecord is the persisted outcome of one transaction risk assessment.
type RiskRecord struct {
	AssessmentID     string                 `json:"assessment_id"`
	TransactionID    string                 `json:"transaction_id"`
	CustomerID       string                 `json:"customer_id"`
	RiskScore        float64                `json:"risk_score"`
	RiskLevel        string                 `json:"risk_level"`
	RollingRiskScore float64                `json:"rolling_risk_score"`
	Decision         string                 `json:"decision"`
	Factors          map[string]interface{} `json:"factors,omitempty"`
	AssessedAt       time.Time              `json:"assessed_at"`
}

// ProfileStoreConfig configures customer data access.
type ProfileStoreConfig struct {
	// RedisURL enables distributed velocity counting. Empty runs the
	// in-process fallback, which is correct for a single instance.
	RedisURL       string
	VelocityWindow time.Duration
}

// ProfileStore serves customer profiles, transaction history, velocity
// counts, and rolling risk. Postgres is the system of record; Redis holds
// the sliding velocity window so multiple instances count together. Both
// are optional: without them the store degrades to process-local state.
type ProfileStore struct {
	store *store.Store
	redis *redis.Client
	log   *logger.Logger

	velocityWindow time.Duration

	mu          sync.Mutex
	memVelocity map[string][]time.Time
	memRolling  map[string]float64
	memProfiles map[string]*CustomerProfile
	memTxns     map[string][]Transaction
}

// NewProfileStore connects to Redis when a URL is given and returns the
// store. A malformed URL is a configuration error; an unreachable Redis is
// not, the store logs it and runs on the in-process window instead.
func NewProfileStore(st *store.Store, cfg ProfileStoreConfig) (*ProfileStore, error) {
	log := logger.New("profiles")
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}

	ps := &ProfileStore{
		store:          st,
		log:            log,
		velocityWindow: cfg.VelocityWindow,
		memVelocity:    make(map[string][]time.Time),
		memRolling:     make(map[string]float64),
		memProfiles:    make(map[string]*CustomerProfile),
		memTxns:        make(map[string][]Transaction),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errs.Validation("profiles", "NewProfileStore", "failed to parse Redis URL", err)
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("", "", "redis unreachable, velocity counting falls back to process-local window", map[string]interface{}{
				"error": err.Error(),
			})
			_ = client.Close()
		} else {
			ps.redis = client
			log.Info("", "", "redis connected for velocity counting", map[string]interface{}{
				"window": cfg.VelocityWindow.String(),
			})
		}
	}

	return ps, nil
}

// GetCustomerProfile loads one profile. Returns ErrProfileNotFound when the
// customer is unknown, which callers treat differently from an outage.
func (ps *ProfileStore) GetCustomerProfile(ctx context.Context, customerID string) (*CustomerProfile, error) {
	if customerID == "" {
		return nil, errs.Validation("profiles", "GetCustomerProfile", "customer_id is required", nil)
	}
	if ps.store == nil {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		p, ok := ps.memProfiles[customerID]
		if !ok {
			return nil, ErrProfileNotFound
		}
		return copyProfile(p), nil
	}

	var (
		p       CustomerProfile
		rawMeta []byte
	)
	err := ps.store.QueryRow(ctx, `
		SELECT customer_id, COALESCE(risk_category, ''), COALESCE(avg_transaction_amount, 0),
		       COALESCE(home_country, ''), kyc_verified, sanctioned, COALESCE(metadata, '{}'), updated_at
		FROM customer_profiles
		WHERE customer_id = $1
	`, customerID).Scan(
		&p.CustomerID, &p.RiskCategory, &p.AvgTransactionAmount,
		&p.HomeCountry, &p.KYCVerified, &p.Sanctioned, &rawMeta, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, errs.Persistence("profiles", "GetCustomerProfile", "failed to load profile "+customerID, err)
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &p.Metadata); err != nil {
			ps.log.Warn("", "", "profile metadata is not valid JSON, ignoring", map[string]interface{}{
				"customer_id": customerID,
			})
		}
	}
	return &p, nil
}

// SaveCustomerProfile upserts one profile row.
func (ps *ProfileStore) SaveCustomerProfile(ctx context.Context, p *CustomerProfile) error {
	if p == nil || p.CustomerID == "" {
		return errs.Validation("profiles", "SaveCustomerProfile", "customer_id is required", nil)
	}
	if ps.store == nil {
		saved := copyProfile(p)
		saved.UpdatedAt = time.Now().UTC()
		ps.mu.Lock()
		ps.memProfiles[p.CustomerID] = saved
		ps.mu.Unlock()
		return nil
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return errs.Internal("profiles", "SaveCustomerProfile", "failed to encode metadata", err)
	}
	_, err = ps.store.Exec(ctx, `
		INSERT INTO customer_profiles
			(customer_id, risk_category, avg_transaction_amount, home_country, kyc_verified, sanctioned, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (customer_id) DO UPDATE SET
			risk_category = EXCLUDED.risk_category,
			avg_transaction_amount = EXCLUDED.avg_transaction_amount,
			home_country = EXCLUDED.home_country,
			kyc_verified = EXCLUDED.kyc_verified,
			sanctioned = EXCLUDED.sanctioned,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`, p.CustomerID, p.RiskCategory, p.AvgTransactionAmount, p.HomeCountry, p.KYCVerified, p.Sanctioned, meta)
	if err != nil {
		return errs.Persistence("profiles", "SaveCustomerProfile", "failed to upsert profile "+p.CustomerID, err)
	}
	return nil
}

// RecordTransaction persists one transaction for history lookups. Replays
// of the same transaction ID are ignored.
func (ps *ProfileStore) RecordTransaction(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.TransactionID == "" {
		return errs.Validation("profiles", "RecordTransaction", "transaction_id is required", nil)
	}
	if ps.store == nil {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		for _, seen := range ps.memTxns[tx.CustomerID] {
			if seen.TransactionID == tx.TransactionID {
				return nil
			}
		}
		ps.memTxns[tx.CustomerID] = append(ps.memTxns[tx.CustomerID], *tx)
		return nil
	}
	meta, err := json.Marshal(tx.Metadata)
	if err != nil {
		return errs.Internal("profiles", "RecordTransaction", "failed to encode metadata", err)
	}
	_, err = ps.store.Exec(ctx, `
		INSERT INTO transactions
			(transaction_id, customer_id, amount, currency, transaction_type, counterparty, counterparty_country, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transaction_id) DO NOTHING
	`, tx.TransactionID, tx.CustomerID, tx.Amount, tx.Currency, tx.TransactionType,
		tx.Counterparty, tx.CounterpartyCountry, meta, tx.OccurredAt)
	if err != nil {
		return errs.Persistence("profiles", "RecordTransaction", "failed to insert transaction "+tx.TransactionID, err)
	}
	return nil
}

// RecentTransactions returns the customer's transactions since the cutoff,
// newest first.
func (ps *ProfileStore) RecentTransactions(ctx context.Context, customerID string, since time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if ps.store == nil {
		ps.mu.Lock()
		var out []Transaction
		for _, tx := range ps.memTxns[customerID] {
			if !tx.OccurredAt.Before(since) {
				out = append(out, tx)
			}
		}
		ps.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}
	rows, err := ps.store.Query(ctx, `
		SELECT transaction_id, customer_id, amount, COALESCE(currency, ''), COALESCE(transaction_type, ''),
		       COALESCE(counterparty, ''), COALESCE(counterparty_country, ''), COALESCE(metadata, '{}'), occurred_at
		FROM transactions
		WHERE customer_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, customerID, since, limit)
	if err != nil {
		return nil, errs.Persistence("profiles", "RecentTransactions", "failed to query transactions for "+customerID, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			tx      Transaction
			rawMeta []byte
		)
		if err := rows.Scan(&tx.TransactionID, &tx.CustomerID, &tx.Amount, &tx.Currency, &tx.TransactionType,
			&tx.Counterparty, &tx.CounterpartyCountry, &rawMeta, &tx.OccurredAt); err != nil {
			return nil, errs.Persistence("profiles", "RecentTransactions", "failed to scan transaction row", err)
		}
		if len(rawMeta) > 0 {
			_ = json.Unmarshal(rawMeta, &tx.Metadata)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("profiles", "RecentTransactions", "failed while iterating transactions", err)
	}
	return out, nil
}

// ObserveVelocity registers one transaction timestamp and returns how many
// the customer has inside the sliding window, including this one. Redis
// errors fail open to the in-process window so a cache outage never blocks
// transaction processing.
func (ps *ProfileStore) ObserveVelocity(ctx context.Context, customerID string, at time.Time) int {
	if ps.redis == nil {
		return ps.observeVelocityLocal(customerID, at)
	}

	key := fmt.Sprintf("velocity:%s", customerID)
	minScore := at.Add(-ps.velocityWindow).Unix()

	pipe := ps.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(at.Unix()),
		Member: fmt.Sprintf("%d", at.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*ps.velocityWindow)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		ps.log.Warn("", "", "redis velocity check failed, using process-local window", map[string]interface{}{
			"customer_id": customerID,
			"error":       err.Error(),
		})
		return ps.observeVelocityLocal(customerID, at)
	}

	// ZCard counted before this transaction was added.
	prior := cmds[1].(*redis.IntCmd).Val()
	return int(prior) + 1
}

func (ps *ProfileStore) observeVelocityLocal(customerID string, at time.Time) int {
	cutoff := at.Add(-ps.velocityWindow)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	kept := ps.memVelocity[customerID][:0]
	for _, ts := range ps.memVelocity[customerID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	ps.memVelocity[customerID] = kept
	return len(kept)
}

// RollingRisk returns the customer's exponentially weighted risk profile.
// The in-process cache is consulted first, then the latest persisted
// assessment; ok is false when the customer has no risk history yet.
func (ps *ProfileStore) RollingRisk(ctx context.Context, customerID string) (float64, bool) {
	ps.mu.Lock()
	score, ok := ps.memRolling[customerID]
	ps.mu.Unlock()
	if ok {
		return score, true
	}

	if ps.store == nil {
		return 0, false
	}
	err := ps.store.QueryRow(ctx, `
		SELECT rolling_risk_score FROM transaction_risk_assessments
		WHERE customer_id = $1
		ORDER BY assessed_at DESC
		LIMIT 1
	`, customerID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		ps.log.Warn("", "", "failed to load rolling risk, treating customer as new", map[string]interface{}{
			"customer_id": customerID,
			"error":       err.Error(),
		})
		return 0, false
	}

	ps.mu.Lock()
	ps.memRolling[customerID] = score
	ps.mu.Unlock()
	return score, true
}

// UpdateRollingRisk folds one transaction risk into the customer's profile
// using an exponential moving average and returns the new value. A customer
// with no history starts at the transaction's own risk.
func (ps *ProfileStore) UpdateRollingRisk(ctx context.Context, customerID string, txRisk, currentWeight, newWeight float64) float64 {
	prev, ok := ps.RollingRisk(ctx, customerID)
	next := txRisk
	if ok {
		next = currentWeight*prev + newWeight*txRisk
	}

	ps.mu.Lock()
	ps.memRolling[customerID] = next
	ps.mu.Unlock()
	return next
}

// SaveRiskAssessment persists one assessment record with bounded retries.
// Assessment history feeds the rolling risk profile and compliance reports.
func (ps *ProfileStore) SaveRiskAssessment(ctx context.Context, rec *RiskRecord) error {
	if rec == nil || rec.TransactionID == "" {
		return errs.Validation("profiles", "SaveRiskAssessment", "transaction_id is required", nil)
	}
	if ps.store == nil {
		return nil
	}
	if rec.AssessmentID == "" {
		rec.AssessmentID = uuid.NewString()
	}
	if rec.AssessedAt.IsZero() {
		rec.AssessedAt = time.Now().UTC()
	}
	factors, err := json.Marshal(rec.Factors)
	if err != nil {
		return errs.Internal("profiles", "SaveRiskAssessment", "failed to encode factors", err)
	}

	return resilience.RetryVoid(ctx, resilience.PersistRetryConfig(), func() error {
		_, err := ps.store.Exec(ctx, `
			INSERT INTO transaction_risk_assessments
				(assessment_id, transaction_id, customer_id, risk_score, risk_level, rolling_risk_score, decision, factors, assessed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (assessment_id) DO NOTHING
		`, rec.AssessmentID, rec.TransactionID, rec.CustomerID, rec.RiskScore, rec.RiskLevel,
			rec.RollingRiskScore, rec.Decision, factors, rec.AssessedAt)
		if err != nil {
			return errs.Persistence("profiles", "SaveRiskAssessment", "failed to insert assessment "+rec.AssessmentID, err)
		}
		return nil
	})
}

// Close releases the Redis connection.
func (ps *ProfileStore) Close() error {
	if ps.redis != nil {
		return ps.redis.Close()
	}
	return nil
}
