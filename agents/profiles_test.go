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
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
)

func newMemoryProfileStore(t *testing.T) *ProfileStore {
	t.Helper()
	ps, err := NewProfileStore(nil, ProfileStoreConfig{VelocityWindow: time.Hour})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestNewProfileStoreRejectsBadRedisURL(t *testing.T) {
	_, err := NewProfileStore(nil, ProfileStoreConfig{RedisURL: "not-a-url"})
	if err == nil {
		t.Fatal("expected an error for an unparseable Redis URL")
	}
}

func TestObserveVelocityRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	ps, err := NewProfileStore(nil, ProfileStoreConfig{
		RedisURL:       fmt.Sprintf("redis://%s", mr.Addr()),
		VelocityWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	defer ps.Close()

	ctx := context.Background()
	base := time.Now()

	for i := 1; i <= 3; i++ {
		got := ps.ObserveVelocity(ctx, "cust-1", base.Add(time.Duration(i)*time.Minute))
		if got != i {
			t.Fatalf("observation %d counted %d transactions in window", i, got)
		}
	}

	// A different customer counts independently.
	if got := ps.ObserveVelocity(ctx, "cust-2", base); got != 1 {
		t.Errorf("cust-2 first observation = %d, want 1", got)
	}

	// Two hours later the window has rolled past the earlier entries.
	if got := ps.ObserveVelocity(ctx, "cust-1", base.Add(3*time.Hour)); got != 1 {
		t.Errorf("observation after the window = %d, want 1", got)
	}
}

func TestObserveVelocityFailsOpenWhenRedisDies(t *testing.T) {
	mr := miniredis.RunT(t)

	ps, err := NewProfileStore(nil, ProfileStoreConfig{
		RedisURL:       fmt.Sprintf("redis://%s", mr.Addr()),
		VelocityWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	defer ps.Close()

	ctx := context.Background()
	now := time.Now()
	if got := ps.ObserveVelocity(ctx, "cust-1", now); got != 1 {
		t.Fatalf("first observation = %d, want 1", got)
	}

	mr.Close()

	// Counting continues on the process-local window.
	if got := ps.ObserveVelocity(ctx, "cust-1", now.Add(time.Minute)); got != 1 {
		t.Errorf("fallback observation = %d, want 1 (local window starts empty)", got)
	}
	if got := ps.ObserveVelocity(ctx, "cust-1", now.Add(2*time.Minute)); got != 2 {
		t.Errorf("second fallback observation = %d, want 2", got)
	}
}

func TestObserveVelocityLocalWindow(t *testing.T) {
	ps := newMemoryProfileStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 1; i <= 4; i++ {
		if got := ps.ObserveVelocity(ctx, "cust-9", base.Add(time.Duration(i)*time.Minute)); got != i {
			t.Fatalf("observation %d = %d", i, got)
		}
	}
	if got := ps.ObserveVelocity(ctx, "cust-9", base.Add(2*time.Hour)); got != 1 {
		t.Errorf("observation after the window = %d, want 1", got)
	}
}

func TestMemoryModeProfilesAndHistory(t *testing.T) {
	ps := newMemoryProfileStore(t)
	ctx := context.Background()

	if _, err := ps.GetCustomerProfile(ctx, "cust-1"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("GetCustomerProfile before save = %v, want ErrProfileNotFound", err)
	}

	saved := &CustomerProfile{
		CustomerID:  "cust-1",
		HomeCountry: "DE",
		Metadata:    map[string]interface{}{"daily_limit": 5000.0},
	}
	if err := ps.SaveCustomerProfile(ctx, saved); err != nil {
		t.Fatalf("SaveCustomerProfile: %v", err)
	}

	p, err := ps.GetCustomerProfile(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetCustomerProfile: %v", err)
	}
	if p.HomeCountry != "DE" || p.DailyLimit() != 5000 {
		t.Errorf("profile round trip = %+v", p)
	}
	p.Metadata["daily_limit"] = 1.0
	if again, _ := ps.GetCustomerProfile(ctx, "cust-1"); again.DailyLimit() != 5000 {
		t.Error("profile reads must not share metadata with earlier callers")
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		tx := &Transaction{
			TransactionID: fmt.Sprintf("tx-%d", i),
			CustomerID:    "cust-1",
			Amount:        float64(100 * (i + 1)),
			OccurredAt:    now.Add(-time.Duration(i) * time.Hour),
		}
		if err := ps.RecordTransaction(ctx, tx); err != nil {
			t.Fatalf("RecordTransaction: %v", err)
		}
	}
	replay := &Transaction{TransactionID: "tx-0", CustomerID: "cust-1", Amount: 999, OccurredAt: now}
	if err := ps.RecordTransaction(ctx, replay); err != nil {
		t.Fatalf("RecordTransaction replay: %v", err)
	}

	history, err := ps.RecentTransactions(ctx, "cust-1", now.Add(-90*time.Minute), 0)
	if err != nil {
		t.Fatalf("RecentTransactions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d transactions, want 2 inside the window", len(history))
	}
	if history[0].TransactionID != "tx-0" || history[1].TransactionID != "tx-1" {
		t.Errorf("history not newest first: got %s then %s", history[0].TransactionID, history[1].TransactionID)
	}
	if history[0].Amount != 100 {
		t.Errorf("replayed transaction overwrote the original: amount = %v", history[0].Amount)
	}

	capped, err := ps.RecentTransactions(ctx, "cust-1", now.Add(-24*time.Hour), 1)
	if err != nil {
		t.Fatalf("RecentTransactions with limit: %v", err)
	}
	if len(capped) != 1 || capped[0].TransactionID != "tx-0" {
		t.Errorf("limited history = %+v, want just tx-0", capped)
	}
}

func TestUpdateRollingRiskEMA(t *testing.T) {
	ps := newMemoryProfileStore(t)
	ctx := context.Background()

	// First transaction seeds the profile with its own risk.
	if got := ps.UpdateRollingRisk(ctx, "cust-1", 0.8, 0.7, 0.3); math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("first rolling risk = %.4f, want 0.8", got)
	}

	// Subsequent transactions fold in with the configured weights.
	want := 0.7*0.8 + 0.3*0.2
	if got := ps.UpdateRollingRisk(ctx, "cust-1", 0.2, 0.7, 0.3); math.Abs(got-want) > 1e-9 {
		t.Fatalf("second rolling risk = %.4f, want %.4f", got, want)
	}

	if got, ok := ps.RollingRisk(ctx, "cust-1"); !ok || math.Abs(got-want) > 1e-9 {
		t.Errorf("RollingRisk = (%.4f, %v), want (%.4f, true)", got, ok, want)
	}

	if _, ok := ps.RollingRisk(ctx, "cust-unknown"); ok {
		t.Error("unknown customer should have no rolling risk")
	}
}

func TestRollingRiskLoadsLatestAssessment(t *testing.T) {
	st, mock := newMockStore(t)
	ps, err := NewProfileStore(st, ProfileStoreConfig{})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	mock.ExpectQuery(`SELECT rolling_risk_score FROM transaction_risk_assessments`).
		WithArgs("cust-3").
		WillReturnRows(sqlmock.NewRows([]string{"rolling_risk_score"}).AddRow(0.42))

	got, ok := ps.RollingRisk(context.Background(), "cust-3")
	if !ok || math.Abs(got-0.42) > 1e-9 {
		t.Fatalf("RollingRisk = (%.4f, %v), want (0.42, true)", got, ok)
	}

	// Second read is served from the cache; no further query is expected.
	if got, ok = ps.RollingRisk(context.Background(), "cust-3"); !ok || math.Abs(got-0.42) > 1e-9 {
		t.Fatalf("cached RollingRisk = (%.4f, %v)", got, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetCustomerProfile(t *testing.T) {
	st, mock := newMockStore(t)
	ps, err := NewProfileStore(st, ProfileStoreConfig{})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT customer_id`).
		WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"customer_id", "risk_category", "avg_transaction_amount",
			"home_country", "kyc_verified", "sanctioned", "metadata", "updated_at",
		}).AddRow("cust-1", "MEDIUM", 1200.50, "DE", true, false,
			[]byte(`{"aml_status": " clear ", "daily_limit": 50000}`), now))

	p, err := ps.GetCustomerProfile(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("GetCustomerProfile: %v", err)
	}
	if p.RiskCategory != "MEDIUM" || p.HomeCountry != "DE" || !p.KYCVerified {
		t.Errorf("unexpected profile: %+v", p)
	}
	if got := p.AMLStatus(); got != "CLEAR" {
		t.Errorf("AMLStatus() = %q, want CLEAR", got)
	}
	if got := p.DailyLimit(); math.Abs(got-50000) > 1e-9 {
		t.Errorf("DailyLimit() = %.2f, want 50000", got)
	}
}

func TestGetCustomerProfileNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	ps, err := NewProfileStore(st, ProfileStoreConfig{})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	mock.ExpectQuery(`SELECT customer_id`).
		WithArgs("cust-gone").
		WillReturnRows(sqlmock.NewRows([]string{
			"customer_id", "risk_category", "avg_transaction_amount",
			"home_country", "kyc_verified", "sanctioned", "metadata", "updated_at",
		}))

	_, err = ps.GetCustomerProfile(context.Background(), "cust-gone")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("GetCustomerProfile on missing row = %v, want ErrProfileNotFound", err)
	}

	if _, err := ps.GetCustomerProfile(context.Background(), ""); err == nil {
		t.Error("empty customer_id should be rejected")
	}
}

func TestProfileMetadataHelpersTolerateNil(t *testing.T) {
	var p *CustomerProfile
	if p.AMLStatus() != "" {
		t.Error("nil profile AMLStatus should be empty")
	}
	if p.DailyLimit() != 0 {
		t.Error("nil profile DailyLimit should be zero")
	}

	p = &CustomerProfile{CustomerID: "cust-1"}
	if p.AMLStatus() != "" || p.DailyLimit() != 0 {
		t.Error("profile without metadata should report no flags")
	}
}

func TestRecentTransactions(t *testing.T) {
	st, mock := newMockStore(t)
	ps, err := NewProfileStore(st, ProfileStoreConfig{})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT transaction_id`).
		WithArgs("cust-1", sqlmock.AnyArg(), 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"transaction_id", "customer_id", "amount", "currency", "transaction_type",
			"counterparty", "counterparty_country", "metadata", "occurred_at",
		}).
			AddRow("tx-2", "cust-1", 900.0, "EUR", "TRANSFER", "acme", "DE", []byte(`{}`), now).
			AddRow("tx-1", "cust-1", 100.0, "EUR", "TRANSFER", "acme", "DE", []byte(`{}`), now.Add(-time.Hour)))

	history, err := ps.RecentTransactions(context.Background(), "cust-1", now.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("RecentTransactions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d transactions, want 2", len(history))
	}
	if history[0].TransactionID != "tx-2" || history[0].Amount != 900.0 {
		t.Errorf("unexpected first transaction: %+v", history[0])
	}
}

func TestSaveRiskAssessmentFillsIdentifiers(t *testing.T) {
	st, mock := newMockStore(t)
	ps, err := NewProfileStore(st, ProfileStoreConfig{})
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	mock.ExpectExec(`INSERT INTO transaction_risk_assessments`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &RiskRecord{
		TransactionID: "tx-1",
		CustomerID:    "cust-1",
		RiskScore:     0.55,
		RiskLevel:     "MEDIUM",
		Decision:      "MONITOR",
	}
	if err := ps.SaveRiskAssessment(context.Background(), rec); err != nil {
		t.Fatalf("SaveRiskAssessment: %v", err)
	}
	if rec.AssessmentID == "" {
		t.Error("assessment ID should be generated when absent")
	}
	if rec.AssessedAt.IsZero() {
		t.Error("assessment time should be filled when absent")
	}

	if err := ps.SaveRiskAssessment(context.Background(), &RiskRecord{}); err == nil {
		t.Error("missing transaction_id should be rejected")
	}
}
