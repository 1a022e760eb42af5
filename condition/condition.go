// Package condition evaluates condition-node predicates against session
// state and selects an outgoing-edge label.
//
// Clauses come in two shapes:
//
//	{"if": "temp.score >= 10", "then": "option_0"}
//	{"if": {"var": "temp.score", "gte": 10}, "then": "option_0"}
//
// Clauses are evaluated in list order; the first true clause wins. When no
// clause matches, the node's default path is taken. Evaluation is
// deterministic and side-effect-free.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/convoflow/flowpg/variables"
)

// Clause is one condition with its branch outcome. Then is an
// outgoing-edge label (e.g. "option_0", "SUCCESS") or a target node id.
type Clause struct {
	If   json.RawMessage `json:"if"`
	Then string          `json:"then"`
}

// expression-form operators, longest first so ">=" wins over ">".
var exprOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// structured-form operator keys.
var structOps = []string{"eq", "ne", "gt", "lt", "gte", "lte", "in", "contains"}

// Evaluate returns the outcome of the first matching clause, or defaultPath
// when none match. Malformed clauses are logged and skipped.
func Evaluate(ctx context.Context, resolver *variables.Resolver, clauses []Clause, defaultPath string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	for i, clause := range clauses {
		matched, err := evalClause(ctx, resolver, clause)
		if err != nil {
			logger.Warn("skipping malformed condition clause", "index", i, "error", err)
			continue
		}
		if matched {
			return clause.Then
		}
	}
	return defaultPath
}

func evalClause(ctx context.Context, resolver *variables.Resolver, clause Clause) (bool, error) {
	cond := gjson.ParseBytes(clause.If)
	switch cond.Type {
	case gjson.String:
		return evalExpression(ctx, resolver, cond.Str)
	case gjson.JSON:
		if cond.IsObject() {
			return evalStructured(ctx, resolver, cond)
		}
	}
	return false, fmt.Errorf("unsupported condition shape: %s", cond.Type)
}

// evalExpression handles the "dotted.path OP literal" form.
func evalExpression(ctx context.Context, resolver *variables.Resolver, expr string) (bool, error) {
	for _, op := range exprOps {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		ref := strings.TrimSpace(expr[:idx])
		lit := parseLiteral(strings.TrimSpace(expr[idx+len(op):]))

		left, found, err := resolver.Lookup(ctx, ref)
		if err != nil {
			found = false
		}
		return compare(left, found, canonicalOp(op), lit), nil
	}
	return false, fmt.Errorf("no operator in expression %q", expr)
}

// evalStructured handles the {"var": path, OP: literal} form.
func evalStructured(ctx context.Context, resolver *variables.Resolver, cond gjson.Result) (bool, error) {
	ref := cond.Get("var")
	if !ref.Exists() {
		return false, fmt.Errorf("structured condition missing var")
	}

	left, found, err := resolver.Lookup(ctx, ref.String())
	if err != nil {
		found = false
	}

	for _, op := range structOps {
		lit := cond.Get(op)
		if !lit.Exists() {
			continue
		}
		return compare(left, found, op, lit.Value()), nil
	}
	return false, fmt.Errorf("structured condition missing operator")
}

func canonicalOp(op string) string {
	switch op {
	case "==":
		return "eq"
	case "!=":
		return "ne"
	case ">":
		return "gt"
	case "<":
		return "lt"
	case ">=":
		return "gte"
	case "<=":
		return "lte"
	}
	return op
}

// compare applies op between a resolved value and a literal. An absent
// reference equals only null, differs from everything else, and fails all
// ordering and membership tests.
func compare(left gjson.Result, found bool, op string, lit any) bool {
	if !found {
		switch op {
		case "eq":
			return lit == nil
		case "ne":
			return lit != nil
		default:
			return false
		}
	}

	switch op {
	case "eq":
		return valuesEqual(left, lit)
	case "ne":
		return !valuesEqual(left, lit)
	case "gt", "lt", "gte", "lte":
		return ordered(left, lit, op)
	case "in":
		return membership(lit, left.Value())
	case "contains":
		return membership(left.Value(), lit)
	}
	return false
}

// valuesEqual compares with numeric coercion when both sides are numeric,
// otherwise by string form.
func valuesEqual(left gjson.Result, lit any) bool {
	if lit == nil {
		return left.Type == gjson.Null
	}
	if ln, lok := asNumber(left.Value()); lok {
		if rn, rok := asNumber(lit); rok {
			return ln == rn
		}
	}
	return asString(left.Value()) == asString(lit)
}

// ordered compares numerically when both sides parse as numbers, otherwise
// lexicographically.
func ordered(left gjson.Result, lit any, op string) bool {
	if left.Type == gjson.Null {
		return false
	}
	ln, lok := asNumber(left.Value())
	rn, rok := asNumber(lit)
	if lok && rok {
		switch op {
		case "gt":
			return ln > rn
		case "lt":
			return ln < rn
		case "gte":
			return ln >= rn
		case "lte":
			return ln <= rn
		}
		return false
	}

	ls, rs := asString(left.Value()), asString(lit)
	switch op {
	case "gt":
		return ls > rs
	case "lt":
		return ls < rs
	case "gte":
		return ls >= rs
	case "lte":
		return ls <= rs
	}
	return false
}

// membership reports whether needle occurs in haystack. A slice haystack
// checks elements; a string haystack checks substrings.
func membership(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if asString(item) == asString(needle) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(h, asString(needle))
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// parseLiteral interprets the right-hand side of an expression-form
// condition. Both single- and double-quoted strings are accepted; numbers,
// booleans, and null get their native types; anything else is a bare
// string.
func parseLiteral(s string) any {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "None":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
