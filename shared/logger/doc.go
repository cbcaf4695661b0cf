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

/*
Package logger provides structured JSON logging for Regulens components.

# Overview

Every component (orchestrator, agents, rule engine, audit trail manager)
receives an injected *Logger and writes one JSON object per line to stdout,
ready for CloudWatch, Loki, or ELK ingestion.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, rules, audit, ...)
  - Instance ID (for distributed tracing)
  - Event ID and Decision ID (for decision correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with event and decision context:

	log.Info(eventID, decisionID, "event dispatched", map[string]interface{}{
	    "agent_type": "TRANSACTION_GUARDIAN",
	    "queue_depth": 12,
	})

Log errors with the cause attached:

	log.ErrorWithErr(eventID, decisionID, "trail finalization failed", err, nil)

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration(eventID, decisionID, "pipeline completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Environment Variables

  - INSTANCE_ID: deployment instance identifier (hostname when unset)
  - LOG_LEVEL: minimum level emitted (default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
