package condition

import (
	"fmt"
	"log/slog"
	"time"
)

// Evaluator runs parsed conditions against issue attribute bags. The zero
// value is usable; Now and Log default to time.Now and slog.Default.
type Evaluator struct {
	Log *slog.Logger
	Now func() time.Time
}

func (ev Evaluator) logger() *slog.Logger {
	if ev.Log != nil {
		return ev.Log
	}
	return slog.Default()
}

func (ev Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

// Evaluate runs a condition string against an attribute bag. Empty
// conditions are true. Any fault (parse error, unknown attribute, type
// mismatch, non-boolean result) resolves to false and logs a warning:
// a transition guarded by a broken condition is hidden, never offered.
func (ev Evaluator) Evaluate(cond string, attrs map[string]any) bool {
	expr, err := Parse(cond)
	if err != nil {
		ev.logger().Warn("condition parse failed", "condition", cond, "err", err)
		return false
	}
	return ev.EvaluateExpr(expr, attrs)
}

// EvaluateExpr is Evaluate for an already-parsed expression.
func (ev Evaluator) EvaluateExpr(expr *Expr, attrs map[string]any) bool {
	if expr == nil || expr.root == nil {
		return true
	}
	res, err := eval(expr.root, attrs, ev.now)
	if err != nil {
		ev.logger().Warn("condition evaluation failed", "condition", expr.src, "err", err)
		return false
	}
	b, ok := res.(bool)
	if !ok {
		ev.logger().Warn("condition is not boolean", "condition", expr.src)
		return false
	}
	return b
}

func eval(n node, attrs map[string]any, now func() time.Time) (any, error) {
	switch n := n.(type) {
	case literalNode:
		return n.value, nil
	case attrNode:
		v, ok := attrs[n.name]
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", n.name)
		}
		return normalize(v), nil
	case listNode:
		items := make([]any, 0, len(n.items))
		for _, item := range n.items {
			v, err := eval(item, attrs, now)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case callNode:
		return evalCall(n, attrs, now)
	case notNode:
		v, err := eval(n.operand, attrs, now)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("not: operand is not boolean")
		}
		return !b, nil
	case binaryNode:
		return evalBinary(n, attrs, now)
	default:
		return nil, fmt.Errorf("unsupported node %T", n)
	}
}

func evalCall(n callNode, attrs map[string]any, now func() time.Time) (any, error) {
	switch n.fn {
	case "today":
		if len(n.args) != 0 {
			return nil, fmt.Errorf("today() takes no arguments")
		}
		return now().UTC().Format("2006-01-02"), nil
	case "len":
		if len(n.args) != 1 {
			return nil, fmt.Errorf("len() takes one argument")
		}
		v, err := eval(n.args[0], attrs, now)
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case string:
			return float64(len([]rune(v))), nil
		case []any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len: unsupported operand %T", v)
		}
	default:
		return nil, fmt.Errorf("unknown function %q", n.fn)
	}
}

func evalBinary(n binaryNode, attrs map[string]any, now func() time.Time) (any, error) {
	if n.op == "and" || n.op == "or" {
		l, err := eval(n.left, attrs, now)
		if err != nil {
			return nil, err
		}
		lb, ok := l.(bool)
		if !ok {
			return nil, fmt.Errorf("%s: operand is not boolean", n.op)
		}
		// short circuit
		if n.op == "and" && !lb {
			return false, nil
		}
		if n.op == "or" && lb {
			return true, nil
		}
		r, err := eval(n.right, attrs, now)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("%s: operand is not boolean", n.op)
		}
		return rb, nil
	}

	l, err := eval(n.left, attrs, now)
	if err != nil {
		return nil, err
	}
	r, err := eval(n.right, attrs, now)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		eq, err := equal(l, r)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "in":
		return contains(l, r)
	default:
		return nil, fmt.Errorf("unsupported operator %q", n.op)
	}
}

// equal treats null specially: comparing anything to null reports whether
// the other operand is null too. Mismatched non-null types are a fault.
func equal(a, b any) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	switch a := a.(type) {
	case bool:
		if b, ok := b.(bool); ok {
			return a == b, nil
		}
	case float64:
		if b, ok := b.(float64); ok {
			return a == b, nil
		}
	case string:
		if b, ok := b.(string); ok {
			return a == b, nil
		}
	}
	return false, fmt.Errorf("cannot compare %T with %T", a, b)
}

func compare(op string, a, b any) (bool, error) {
	var c int
	switch a := a.(type) {
	case float64:
		bf, ok := b.(float64)
		if !ok {
			return false, fmt.Errorf("cannot order number against %T", b)
		}
		switch {
		case a < bf:
			c = -1
		case a > bf:
			c = 1
		}
	case string:
		// Dates in YYYY-MM-DD form (today()) order correctly as strings.
		bs, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("cannot order string against %T", b)
		}
		switch {
		case a < bs:
			c = -1
		case a > bs:
			c = 1
		}
	default:
		return false, fmt.Errorf("cannot order %T", a)
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func contains(item, coll any) (bool, error) {
	switch coll := coll.(type) {
	case []any:
		for _, member := range coll {
			eq, err := equal(item, member)
			if err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("in: right operand is %T, not a list", coll)
	}
}

// normalize maps attribute values onto the evaluator's value domain:
// numbers become float64, string slices become []any.
func normalize(v any) any {
	switch v := v.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
