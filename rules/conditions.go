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
	"fmt"
	"regexp"
	"strings"
)

// conditionMet evaluates a single condition against entity data. A missing
// field, an unknown operator, or a panic inside an operator all yield false;
// condition evaluation never aborts a rule.
func (e *Engine) conditionMet(cond Condition, data map[string]interface{}) (met bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("", "", "Condition evaluation panicked", map[string]interface{}{
				"field_path": cond.FieldPath,
				"operator":   string(cond.Operator),
				"panic":      fmt.Sprint(r),
			})
			met = false
		}
	}()

	value, found := resolveFieldPath(data, cond.FieldPath)
	if !found {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return fmt.Sprint(value) == fmt.Sprint(cond.Value)
	case OpNotEquals:
		return fmt.Sprint(value) != fmt.Sprint(cond.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(fmt.Sprint(value)), strings.ToLower(fmt.Sprint(cond.Value)))
	case OpGreaterThan:
		return compareNumeric(value, cond.Value, ">")
	case OpLessThan:
		return compareNumeric(value, cond.Value, "<")
	case OpRegex:
		return e.matchRegex(fmt.Sprint(value), fmt.Sprint(cond.Value))
	case OpInArray:
		return inArray(cond.Value, value)
	default:
		e.log.Warn("", "", "Unknown rule operator", map[string]interface{}{
			"operator":   string(cond.Operator),
			"field_path": cond.FieldPath,
		})
		return false
	}
}

// resolveFieldPath walks dot-separated keys through nested maps.
func resolveFieldPath(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareNumeric(a, b interface{}, operator string) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)

	if !aOk || !bOk {
		return false
	}

	switch operator {
	case ">":
		return aFloat > bFloat
	case "<":
		return aFloat < bFloat
	case ">=":
		return aFloat >= bFloat
	case "<=":
		return aFloat <= bFloat
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}

func (e *Engine) matchRegex(text, pattern string) bool {
	matched, err := regexp.MatchString(pattern, text)
	if err != nil {
		e.log.Warn("", "", "Invalid rule regex", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
		return false
	}
	return matched
}

// inArray reports whether item appears in slice, comparing printed forms so
// JSON-decoded values ([]interface{}) and typed slices behave alike.
func inArray(slice interface{}, item interface{}) bool {
	switch s := slice.(type) {
	case []string:
		for _, v := range s {
			if v == fmt.Sprint(item) {
				return true
			}
		}
	case []interface{}:
		for _, v := range s {
			if fmt.Sprint(v) == fmt.Sprint(item) {
				return true
			}
		}
	}
	return false
}
