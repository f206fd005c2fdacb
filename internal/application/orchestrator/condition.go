package orchestrator

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

var errNotBoolean = errors.New("condition did not evaluate to boolean")

// compileCondition parses a route guard. Empty and "true" guards compile to
// nil, which always matches.
func compileCondition(condition string) (*govaluate.EvaluableExpression, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" || strings.EqualFold(cond, "true") {
		return nil, nil
	}
	return govaluate.NewEvaluableExpression(cond)
}

// evaluateCondition runs a compiled guard against event parameters.
// Parameters referenced by the guard but missing from the event make the
// guard fail instead of erroring.
func evaluateCondition(expr *govaluate.EvaluableExpression, params map[string]interface{}) (bool, error) {
	if expr == nil {
		return true, nil
	}
	for _, v := range expr.Vars() {
		if _, ok := params[v]; !ok {
			return false, nil
		}
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, errNotBoolean
	}
	return ok, nil
}

// eventParams flattens an event payload so nested fields are addressable as
// "page.step" as well as through their top level key.
func eventParams(payload json.RawMessage) map[string]interface{} {
	params := map[string]interface{}{}
	if len(payload) == 0 {
		return params
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return params
	}
	for k, v := range m {
		params[k] = v
	}
	flatten("", m, params)
	return params
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
