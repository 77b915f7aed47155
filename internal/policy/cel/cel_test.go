package cel

import "testing"

func TestEval_EvaluatesBooleanExpression(t *testing.T) {
	c := NewCache()
	ctx := EvalContext{Request: map[string]any{"path": "/v1/widgets"}}

	ok, err := c.Eval("test1", `request.path == "/v1/widgets"`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected expression to evaluate true")
	}
}

func TestEval_NonBoolExpressionErrors(t *testing.T) {
	c := NewCache()
	if _, err := c.Eval("test2", `"not a bool"`, EvalContext{}); err == nil {
		t.Fatalf("expected error for non-bool expression result")
	}
}

func TestCompile_CachesProgramByName(t *testing.T) {
	c := NewCache()
	p1, err := c.Compile("same-name", `true`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second call reuses the cached program even though expr differs;
	// caching is keyed by name per spec.
	p2, err := c.Compile("same-name", `false`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected cached program reused for same name")
	}
}

func TestCompile_InvalidExpressionErrors(t *testing.T) {
	c := NewCache()
	if _, err := c.Compile("bad", `request.path ===`); err == nil {
		t.Fatalf("expected compile error for invalid expression")
	}
}

func TestAuthorize_DenyWinsOverAllow(t *testing.T) {
	c := NewCache()
	ctx := EvalContext{Source: map[string]any{"ip": "10.0.0.1"}}
	ok, err := c.Authorize([]string{`true`}, []string{`source.ip == "10.0.0.1"`}, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected deny match to reject despite matching allow")
	}
}

func TestAuthorize_EmptyAllowSetDefaultsToAllow(t *testing.T) {
	c := NewCache()
	ok, err := c.Authorize(nil, nil, EvalContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected default allow when no allow/deny rules configured")
	}
}

func TestAuthorize_RequiresMatchingAllowWhenConfigured(t *testing.T) {
	c := NewCache()
	ok, err := c.Authorize([]string{`false`}, nil, EvalContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected rejection when no allow expression matches")
	}
}

func TestAuthorize_FailClosedOnEvalError(t *testing.T) {
	c := NewCache()
	// resource.missing_field on a nil-free dynamic map triggers a CEL runtime error.
	_, err := c.Authorize(nil, []string{`resource.nonexistent.deep`}, EvalContext{Resource: map[string]any{}})
	if err == nil {
		t.Fatalf("expected evaluation error to propagate (fail-closed)")
	}
}

func TestEvalValue_ReturnsComputedValue(t *testing.T) {
	c := NewCache()
	val, err := c.EvalValue("val1", `"rewritten-" + request.model`, EvalContext{Request: map[string]any{"model": "gpt-4"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val.Value().(string) != "rewritten-gpt-4" {
		t.Fatalf("unexpected value: %v", val.Value())
	}
}
