package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"dripflow/models"
)

// ConditionEvaluator evaluates condition-step predicates against lead and
// engagement data. Pure and side-effect-free from the engine's point of
// view. Thread-safe: compiled programs are cached and reused across
// goroutines.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the expression against the lead context and returns the
// boolean branch decision. Non-boolean results and runtime errors are
// reported as errors, never coerced.
func (ce *ConditionEvaluator) Evaluate(expression string, lead *models.Lead) (bool, error) {
	if expression == "" {
		return false, validationErrorf("empty condition expression")
	}

	prg, err := ce.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(prg, leadEnv(lead))
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed for %q: %w", expression, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", expression, out)
	}
	return result, nil
}

func (ce *ConditionEvaluator) getOrCompile(expression string) (*vm.Program, error) {
	ce.mu.RLock()
	if prg, ok := ce.cache[expression]; ok {
		ce.mu.RUnlock()
		return prg, nil
	}
	ce.mu.RUnlock()

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if prg, ok := ce.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(leadEnv(nil)),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, validationErrorf("cannot compile condition %q: %v", expression, err)
	}
	ce.cache[expression] = prg
	return prg, nil
}

// leadEnv exposes the lead's contact and engagement fields as top-level
// expression variables.
func leadEnv(lead *models.Lead) map[string]any {
	env := map[string]any{
		"email":       "",
		"first_name":  "",
		"last_name":   "",
		"company":     "",
		"position":    "",
		"open_count":  0,
		"click_count": 0,
		"reply_count": 0,
		"opened":      false,
		"clicked":     false,
		"replied":     false,
	}
	if lead == nil {
		return env
	}
	env["email"] = lead.Email
	env["first_name"] = lead.FirstName
	env["last_name"] = lead.LastName
	env["company"] = lead.Company
	env["position"] = lead.Position
	env["open_count"] = lead.OpenCount
	env["click_count"] = lead.ClickCount
	env["reply_count"] = lead.ReplyCount
	env["opened"] = lead.OpenCount > 0
	env["clicked"] = lead.ClickCount > 0
	env["replied"] = lead.ReplyCount > 0
	return env
}
