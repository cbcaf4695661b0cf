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
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/gaigenticai/regulens/shared/errs"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(Config{})
	if err == nil {
		t.Fatal("Expected error for empty URL")
	}
	if !errs.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/test"}.withDefaults()

	if cfg.MaxConns != DefaultMaxConns {
		t.Errorf("MaxConns = %d, want %d", cfg.MaxConns, DefaultMaxConns)
	}
	if cfg.MinConns != DefaultMinConns {
		t.Errorf("MinConns = %d, want %d", cfg.MinConns, DefaultMinConns)
	}
	if cfg.AcquireTimeout != DefaultAcquireTimeout {
		t.Errorf("AcquireTimeout = %v, want %v", cfg.AcquireTimeout, DefaultAcquireTimeout)
	}
	if cfg.ConnMaxLifetime != DefaultConnMaxLifetime {
		t.Errorf("ConnMaxLifetime = %v, want %v", cfg.ConnMaxLifetime, DefaultConnMaxLifetime)
	}
}

func TestExec(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE advanced_rules SET is_active").
		WithArgs(false, "rule-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := st.Exec(context.Background(), "UPDATE advanced_rules SET is_active = $1 WHERE rule_id = $2", false, "rule-1")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	affected, _ := result.RowsAffected()
	if affected != 1 {
		t.Errorf("RowsAffected = %d, want 1", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled mock expectations: %v", err)
	}
}

func TestExecWrapsErrorAsPersistence(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(errors.New("connection refused"))

	_, err := st.Exec(context.Background(), "INSERT INTO transactions (transaction_id) VALUES ($1)", "tx-1")
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errs.IsPersistence(err) {
		t.Errorf("Expected persistence error kind, got %v", err)
	}
}

func TestQueryRow(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM advanced_rules").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	var count int
	if err := st.QueryRow(context.Background(), "SELECT COUNT(*) FROM advanced_rules").Scan(&count); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}

func TestWithTxCommits(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO decision_steps").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO decision_steps (step_id) VALUES ($1)", "step-1")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled mock expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("validation failed mid-transaction")
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled mock expectations: %v", err)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		_ = st.WithTx(context.Background(), func(tx *sql.Tx) error {
			panic("boom")
		})
	}()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled mock expectations: %v", err)
	}
}

func TestEnsureSchemaCreatesAllTables(t *testing.T) {
	st, mock := newMockStore(t)

	tables := []string{
		"advanced_rules",
		"rule_evaluation_results",
		"decision_audit_trails",
		"decision_steps",
		"decision_explanations",
		"human_reviews",
		"agent_configurations",
		"customer_profiles",
		"transactions",
		"transaction_risk_assessments",
		"agent_activities",
	}
	for _, table := range tables {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled mock expectations: %v", err)
	}
}

func TestEnsureSchemaStopsOnFirstFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS advanced_rules").
		WillReturnError(errors.New("permission denied"))

	err := st.EnsureSchema(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errs.IsPersistence(err) {
		t.Errorf("Expected persistence error kind, got %v", err)
	}
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()
	st := NewWithDB(db)

	mock.ExpectPing()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("broken pipe"))
	if err := st.Ping(context.Background()); !errs.IsPersistence(err) {
		t.Errorf("Expected persistence error, got %v", err)
	}
}
