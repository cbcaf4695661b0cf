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
Package types provides the shared data model used across Regulens components.

# Overview

This package contains the types that flow between the orchestrator, the
compliance agents, and the audit layer: the inbound Event, the outbound
Decision, and the enumerations both are built from. It is the single source
of truth for these shapes; every other package references them rather than
redeclaring its own.

# Events and Decisions

An Event is an inbound signal to be judged: a transaction, an audit record,
a regulatory change, or a compliance signal. Each carries a severity, a
source descriptor, and open metadata.

A Decision is one agent's verdict on one event: a decision type (APPROVE,
DENY, ESCALATE, INVESTIGATE, ALERT, MONITOR), a confidence bucket, an
ordered list of reasoning factors and recommended actions, and a risk
assessment.

# Confidence Buckets

Confidence is a five-level ordinal (VERY_LOW through VERY_HIGH). The
ordering matters: human-review policy keys off the low end, and pipeline
timeouts degrade confidence by one bucket. Use Rank, Degrade, and
FromScore rather than comparing the strings.

# Thread Safety

All types in this package are value types and are safe for concurrent use.
*/
package types
