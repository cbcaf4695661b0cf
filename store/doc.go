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

// Package store provides the shared PostgreSQL access layer for Regulens.
//
// A single Store wraps a database/sql pool configured for the platform's
// workload: bounded open connections, a minimum idle set, and a hard acquire
// timeout applied as a context deadline on every operation so a saturated
// pool surfaces as a timeout instead of an indefinite stall.
//
// Every persistence consumer in the platform (rules, audit, profiles,
// activity feed) accepts a nil *Store and degrades to in-memory operation,
// which keeps unit tests and local runs free of database requirements.
//
// Usage:
//
//	st, err := store.Open(store.Config{URL: databaseURL})
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	if err := st.EnsureSchema(ctx); err != nil {
//		return err
//	}
//
// EnsureSchema is idempotent; it creates the platform tables and indexes if
// they do not already exist.
package store
