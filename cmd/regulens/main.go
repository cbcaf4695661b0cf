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

// Package main is the entry point for the regulens compliance platform.
//
// regulens runs three compliance agents behind one orchestrator:
// - Transaction Guardian judges transactions (sanctions, AML, velocity)
// - Audit Intelligence mines decision trails for anomalies and fraud patterns
// - Regulatory Assessor scores regulatory changes and tracks their impact
//
// Usage:
//
//	./regulens
//
// Environment variables:
//
//	PORT            - HTTP server port (default: 8080)
//	DATABASE_URL    - PostgreSQL connection string (omit for memory mode)
//	REDIS_URL       - Redis URL for distributed velocity windows (optional)
//	LLM_ENDPOINT    - reasoning backend URL (optional)
//	REGULENS_CONFIG - path to a YAML configuration file (optional)
package main

import (
	"os"

	"github.com/gaigenticai/regulens/orchestrator"
)

func main() {
	if err := orchestrator.Run(); err != nil {
		os.Exit(1)
	}
}
