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

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// levelRank orders levels for threshold filtering.
var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// Logger provides structured logging for Regulens components. Entries carry
// the event and decision identifiers so a single decision can be followed
// across the orchestrator, agents, rule engine, and audit trail.
type Logger struct {
	Component  string
	InstanceID string
	minLevel   LogLevel
}

// LogEntry is a single structured log line.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	EventID    string                 `json:"event_id,omitempty"`
	DecisionID string                 `json:"decision_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
//
// INSTANCE_ID identifies the deployment instance; the hostname is used when
// it is unset. LOG_LEVEL (DEBUG, INFO, WARN, ERROR) sets the threshold,
// defaulting to INFO.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		instanceID = host
	}

	minLevel := INFO
	if lvl := LogLevel(strings.ToUpper(os.Getenv("LOG_LEVEL"))); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		minLevel:   minLevel,
	}
}

// Log writes a structured entry to stdout as a single JSON line.
func (l *Logger) Log(level LogLevel, eventID, decisionID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		EventID:    eventID,
		DecisionID: decisionID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message.
func (l *Logger) Info(eventID, decisionID, message string, fields map[string]interface{}) {
	l.Log(INFO, eventID, decisionID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(eventID, decisionID, message string, fields map[string]interface{}) {
	l.Log(ERROR, eventID, decisionID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(eventID, decisionID, message string, fields map[string]interface{}) {
	l.Log(WARN, eventID, decisionID, message, fields)
}

// Debug logs a debug message. Suppressed unless LOG_LEVEL=DEBUG.
func (l *Logger) Debug(eventID, decisionID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, eventID, decisionID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field.
func (l *Logger) InfoWithDuration(eventID, decisionID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(eventID, decisionID, message, fields)
}

// ErrorWithErr logs an error message with the error attached as a field.
func (l *Logger) ErrorWithErr(eventID, decisionID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(eventID, decisionID, message, fields)
}
