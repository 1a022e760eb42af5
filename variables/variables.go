// Package variables resolves scoped {{scope.path}} template references
// against session state.
//
// State is a tree of JSON values organized into top-level scopes. References
// traverse the tree by dotted path (keys and numeric array indexes). The
// secret scope is special: "secret:KEY" is looked up through an injected
// SecretSource and never read from session state.
package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Scope names. The set is closed: an unknown scope in a reference is a
// validation error, not a lookup miss.
const (
	ScopeUser      = "user"
	ScopeContext   = "context"
	ScopeTemp      = "temp"
	ScopeInput     = "input"
	ScopeOutput    = "output"
	ScopeLocal     = "local"
	ScopeSecret    = "secret"
	ScopeVariables = "variables"
	ScopeWebhooks  = "webhook_responses"
	ScopeAPICalls  = "api_responses"
)

// readableScopes are the scopes a reference may name.
var readableScopes = map[string]bool{
	ScopeUser:      true,
	ScopeContext:   true,
	ScopeTemp:      true,
	ScopeInput:     true,
	ScopeOutput:    true,
	ScopeLocal:     true,
	ScopeVariables: true,
	ScopeWebhooks:  true,
	ScopeAPICalls:  true,
}

// writableScopes are the scopes the engine may write. user, context, and
// input are read-only from flow content.
var writableScopes = map[string]bool{
	ScopeTemp:      true,
	ScopeOutput:    true,
	ScopeLocal:     true,
	ScopeVariables: true,
	ScopeWebhooks:  true,
	ScopeAPICalls:  true,
}

// IsWritableScope reports whether flow content may write to the scope.
func IsWritableScope(scope string) bool {
	return writableScopes[scope]
}

// CanonicalPath routes a variable name to a full scope-prefixed path.
// A name whose first segment is a known scope is used as-is; anything else
// defaults to the variables scope.
func CanonicalPath(variable string) string {
	if scope, _, ok := strings.Cut(variable, "."); ok && (readableScopes[scope] || writableScopes[scope]) {
		return variable
	}
	return ScopeVariables + "." + variable
}

// SecretSource resolves secret:KEY references. Implementations must never
// read from session state.
type SecretSource interface {
	ResolveSecret(ctx context.Context, key string) (string, error)
}

// SecretFunc adapts a function to a SecretSource.
type SecretFunc func(ctx context.Context, key string) (string, error)

// ResolveSecret implements SecretSource.
func (f SecretFunc) ResolveSecret(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// refPattern matches {{ ... }} template references.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolver resolves references against one session-state snapshot.
//
// The resolver holds the state as raw JSON and navigates it with gjson;
// writes go through sjson and are immediately visible to later reads, which
// is what keeps interpolation fresh after a synchronous action within a
// turn. The resolver performs no I/O except the secret source callback.
type Resolver struct {
	state   []byte
	secrets SecretSource
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSecrets sets the secret source.
func WithSecrets(src SecretSource) Option {
	return func(r *Resolver) { r.secrets = src }
}

// WithLogger sets the logger used for validation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver over a session-state snapshot.
func New(state map[string]any, opts ...Option) (*Resolver, error) {
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	r := &Resolver{state: raw, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// State returns the current state tree.
func (r *Resolver) State() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(r.state, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return out, nil
}

// ReplaceState swaps the resolver's snapshot, used after reloading the
// session from the store.
func (r *Resolver) ReplaceState(state map[string]any) error {
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	r.state = raw
	return nil
}

// Lookup resolves a single reference (without braces). The second return
// is false when the path is absent. Unknown scopes and secret failures
// return an error.
func (r *Resolver) Lookup(ctx context.Context, ref string) (gjson.Result, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return gjson.Result{}, false, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	if key, ok := strings.CutPrefix(ref, "secret:"); ok {
		if r.secrets == nil {
			return gjson.Result{}, false, fmt.Errorf("%w: no secret source configured", ErrSecretNotFound)
		}
		val, err := r.secrets.ResolveSecret(ctx, key)
		if err != nil {
			return gjson.Result{}, false, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return gjson.Result{Type: gjson.String, Str: val}, true, nil
	}

	scope, _, _ := strings.Cut(ref, ".")
	if !readableScopes[scope] {
		if strings.Contains(ref, ".") {
			return gjson.Result{}, false, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
		}
		// Bare names read from the default variables scope.
		ref = ScopeVariables + "." + ref
	}

	result := gjson.GetBytes(r.state, ref)
	return result, result.Exists(), nil
}

// SubstituteString replaces every {{...}} reference in text with the
// stringified resolved value. Maps and arrays serialize as JSON. Absent
// references stay verbatim when preserveUnresolved is set and become the
// empty string otherwise. Validation errors are logged and treated as
// absent.
func (r *Resolver) SubstituteString(ctx context.Context, text string, preserveUnresolved bool) string {
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		result, found, err := r.Lookup(ctx, ref)
		if err != nil {
			r.logger.Warn("invalid variable reference", "ref", ref, "error", err)
			found = false
		}
		if !found {
			if preserveUnresolved {
				return match
			}
			return ""
		}
		return stringify(result)
	})
}

// SubstituteObject recursively substitutes references through maps, slices,
// and strings. A string that is entirely one {{...}} reference yields the
// resolved value with its native type; mixed strings always yield strings.
func (r *Resolver) SubstituteObject(ctx context.Context, value any, preserveUnresolved bool) any {
	switch v := value.(type) {
	case string:
		if ref, ok := fullReference(v); ok {
			result, found, err := r.Lookup(ctx, ref)
			if err != nil {
				r.logger.Warn("invalid variable reference", "ref", ref, "error", err)
				found = false
			}
			if !found {
				if preserveUnresolved {
					return v
				}
				return ""
			}
			return result.Value()
		}
		return r.SubstituteString(ctx, v, preserveUnresolved)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.SubstituteObject(ctx, item, preserveUnresolved)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.SubstituteObject(ctx, item, preserveUnresolved)
		}
		return out
	default:
		return value
	}
}

// Set writes a value at a scope-routed path, creating intermediate maps as
// needed. Writes to read-only scopes are rejected. A nil value stores JSON
// null (the "clear" semantics).
func (r *Resolver) Set(variable string, value any) error {
	path := CanonicalPath(variable)
	scope, _, _ := strings.Cut(path, ".")
	if !writableScopes[scope] {
		return fmt.Errorf("%w: %s", ErrReadOnlyScope, scope)
	}

	updated, err := sjson.SetBytes(r.state, path, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	r.state = updated
	return nil
}

// Get reads a value at a scope-routed path.
func (r *Resolver) Get(variable string) (gjson.Result, bool) {
	result := gjson.GetBytes(r.state, CanonicalPath(variable))
	return result, result.Exists()
}

// fullReference reports whether s is exactly one {{...}} reference and, if
// so, returns the inner reference.
func fullReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	loc := refPattern.FindStringIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		return "", false
	}
	return strings.TrimSpace(trimmed[2 : len(trimmed)-2]), true
}

// stringify renders a resolved value for string interpolation.
func stringify(result gjson.Result) string {
	switch result.Type {
	case gjson.String:
		return result.Str
	case gjson.Number:
		return strconv.FormatFloat(result.Num, 'f', -1, 64)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.Null:
		return ""
	default:
		// Objects and arrays serialize as JSON.
		return result.Raw
	}
}
