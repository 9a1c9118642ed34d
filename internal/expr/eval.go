package expr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CustomFieldsKey is the context key holding per-module dynamic fields,
// addressed as customFields.<name>.
const CustomFieldsKey = "customFields"

// Evaluate compiles and evaluates src against ctx.
func Evaluate(src string, ctx map[string]any) (bool, error) {
	p, err := Compile(src)
	if err != nil {
		return false, err
	}
	return p.Eval(ctx)
}

// Eval evaluates every term, then folds left to right. A field missing from
// ctx is only legal when compared against undefined or null.
func (p *Program) Eval(ctx map[string]any) (bool, error) {
	results := make([]bool, len(p.Terms))
	for i, t := range p.Terms {
		ok, err := p.evalTerm(t, ctx)
		if err != nil {
			return false, err
		}
		results[i] = ok
	}
	acc := results[0]
	for i, c := range p.Connectors {
		if c == And {
			acc = acc && results[i+1]
		} else {
			acc = acc || results[i+1]
		}
	}
	return acc, nil
}

func (p *Program) evalTerm(t Term, ctx map[string]any) (bool, error) {
	v, present := resolve(ctx, t.Field)
	fail := func(format string, args ...any) (bool, error) {
		return false, &ExpressionError{Expr: p.Source, Pos: t.Pos, Reason: fmt.Sprintf(format, args...)}
	}

	if t.Value.Kind == LitUndefined || t.Value.Kind == LitNull {
		if t.Op.ordering() {
			return fail("operator %s cannot compare with %s", t.Op, t.Value)
		}
		absent := !present || v == nil
		if t.Op == OpEq {
			return absent, nil
		}
		return !absent, nil
	}
	if !present {
		return fail("unknown identifier %s", t.Field)
	}

	if t.Op.ordering() {
		if t.Value.Kind != LitNumber {
			return fail("operator %s requires a number, got %s", t.Op, t.Value)
		}
		n, ok := toNumber(v)
		if !ok {
			return fail("field %s is %T, operator %s requires a number", t.Field, v, t.Op)
		}
		switch t.Op {
		case OpGt:
			return n > t.Value.Num, nil
		case OpLt:
			return n < t.Value.Num, nil
		case OpGte:
			return n >= t.Value.Num, nil
		default:
			return n <= t.Value.Num, nil
		}
	}

	eq := strictEqual(v, t.Value)
	if t.Op == OpEq {
		return eq, nil
	}
	return !eq, nil
}

// strictEqual compares without coercion: values of different kinds are unequal.
func strictEqual(v any, lit Literal) bool {
	switch lit.Kind {
	case LitString:
		s, ok := v.(string)
		return ok && s == lit.Str
	case LitNumber:
		n, ok := toNumber(v)
		return ok && n == lit.Num
	case LitBool:
		b, ok := v.(bool)
		return ok && b == lit.Bool
	}
	return false
}

func resolve(ctx map[string]any, field string) (any, bool) {
	if rest, ok := strings.CutPrefix(field, CustomFieldsKey+"."); ok {
		custom, ok := ctx[CustomFieldsKey].(map[string]any)
		if !ok {
			return nil, false
		}
		return lookupPath(custom, rest)
	}
	if v, ok := ctx[field]; ok {
		return v, true
	}
	return lookupPath(ctx, field)
}

func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
