package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/fetcharr/internal/models"
)

var (
	regexMu    sync.RWMutex
	regexCache = make(map[string]*regexp.Regexp)
)

// EvaluateCondition resolves a step condition against the execution context.
// Clause paths address the context's JSON form with dots, so
// "search.selected_release.resolution" and "deliver.delivered_servers" work
// the way they appear on the wire. A nil condition always passes; a clause
// with an unknown operator or an invalid pattern never does.
func EvaluateCondition(cond *models.StepCondition, stepCtx models.StepContext) bool {
	if cond == nil || len(cond.Clauses) == 0 {
		return true
	}

	values := contextValues(stepCtx)
	anyOf := strings.EqualFold(cond.Logic, "or")

	for _, clause := range cond.Clauses {
		ok := evaluateClause(clause, values)
		if anyOf && ok {
			return true
		}
		if !anyOf && !ok {
			return false
		}
	}
	return !anyOf
}

// contextValues renders the context into the generic map the dotted paths
// traverse. A marshal round-trip keeps path names identical to the JSON that
// templates and API clients see.
func contextValues(stepCtx models.StepContext) map[string]any {
	raw, err := json.Marshal(stepCtx)
	if err != nil {
		return map[string]any{}
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return map[string]any{}
	}
	return values
}

func evaluateClause(clause models.ConditionClause, values map[string]any) bool {
	actual, found := lookupPath(values, clause.Path)

	switch clause.Operator {
	case "==":
		if !found {
			return clause.Value == nil
		}
		return looseEqual(actual, clause.Value)
	case "!=":
		if !found {
			return clause.Value != nil
		}
		return !looseEqual(actual, clause.Value)
	case ">", "<", ">=", "<=":
		return compareNumeric(clause.Operator, actual, clause.Value)
	case "in":
		return containsValue(clause.Value, actual)
	case "not_in":
		return !containsValue(clause.Value, actual)
	case "contains":
		return containsValue(actual, clause.Value)
	case "matches":
		return matchesPattern(actual, clause.Value)
	default:
		return false
	}
}

// lookupPath walks a dotted path through nested maps. It returns the value
// and whether every segment resolved.
func lookupPath(values map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = values
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares across the types JSON round-trips produce: numbers as
// float64, everything else by string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareNumeric(op string, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case ">":
		return af > bf
	case "<":
		return af < bf
	case ">=":
		return af >= bf
	case "<=":
		return af <= bf
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// containsValue reports whether haystack, a slice or string, contains needle.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, elem := range h {
			if looseEqual(elem, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, elem := range h {
			if looseEqual(elem, needle) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	default:
		return false
	}
}

func matchesPattern(actual, pattern any) bool {
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re, err := getOrCompileRegex(p)
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprint(actual))
}

// getOrCompileRegex returns a cached compiled regex or compiles and caches it.
func getOrCompileRegex(pattern string) (*regexp.Regexp, error) {
	regexMu.RLock()
	re, ok := regexCache[pattern]
	regexMu.RUnlock()

	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	regexMu.Lock()
	regexCache[pattern] = re
	regexMu.Unlock()

	return re, nil
}
