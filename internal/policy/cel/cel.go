// Package cel compiles and evaluates the CEL expressions used by
// authorization and transformation policies (spec.md §4.3, §9: "CEL
// expressions are compiled once at policy load and cached by name").
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// EvalContext binds the request/source/jwt/resource variables a request's
// CEL evaluation needs.
type EvalContext struct {
	Request  map[string]any
	Source   map[string]any
	JWT      map[string]any
	Resource map[string]any
}

func (c EvalContext) asActivation() map[string]any {
	return map[string]any{
		"request":  c.Request,
		"source":   c.Source,
		"jwt":      c.JWT,
		"resource": c.Resource,
	}
}

var env = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("source", cel.DynType),
		cel.Variable("jwt", cel.DynType),
		cel.Variable("resource", cel.DynType),
	)
})

// Cache compiles expressions once and reuses the compiled program by name.
type Cache struct {
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCache returns an empty, ready-to-use Cache.
func NewCache() *Cache {
	return &Cache{programs: map[string]cel.Program{}}
}

// Compile compiles expr (keyed by name for reuse) or returns the cached
// program. Compilation failures are returned to the caller; evaluation
// failures are treated as fail-closed (deny) by callers per spec.md §7.
func (c *Cache) Compile(name, expr string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[name]; ok {
		return p, nil
	}
	e, err := env()
	if err != nil {
		return nil, err
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, err
	}
	c.programs[name] = prg
	return prg, nil
}

// Eval evaluates the cached program named name against ctx. CEL evaluation
// is synchronous and does not suspend (spec.md §5).
func (c *Cache) Eval(name, expr string, ctx EvalContext) (bool, error) {
	prg, err := c.Compile(name, expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(ctx.asActivation())
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q did not evaluate to bool", name)
	}
	return b, nil
}

// Authorize evaluates an allow/deny expression set against ctx. Per
// spec.md §4.3: any matching deny expression rejects; otherwise at least
// one allow expression (if any are configured) must match. An empty allow
// set with no matching deny is permitted (default allow when unconfigured).
func (c *Cache) Authorize(allow, deny []string, ctx EvalContext) (bool, error) {
	for i, expr := range deny {
		ok, err := c.Eval(fmt.Sprintf("deny[%d]:%s", i, expr), expr, ctx)
		if err != nil {
			return false, err // fail-closed
		}
		if ok {
			return false, nil
		}
	}
	if len(allow) == 0 {
		return true, nil
	}
	for i, expr := range allow {
		ok, err := c.Eval(fmt.Sprintf("allow[%d]:%s", i, expr), expr, ctx)
		if err != nil {
			return false, err // fail-closed
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// EvalValue evaluates an arbitrary (non-bool) CEL expression, used by
// transformation policies to compute a replacement value.
func (c *Cache) EvalValue(name, expr string, ctx EvalContext) (ref.Val, error) {
	prg, err := c.Compile(name, expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(ctx.asActivation())
	if err != nil {
		return nil, err
	}
	if _, ok := out.(ref.Val); !ok {
		return types.DefaultTypeAdapter.NativeToValue(out), nil
	}
	return out.(ref.Val), nil
}
