// Package processor implements the side-effect operations behind ACTION and
// WEBHOOK nodes.
//
// Operations are pure with respect to their inputs: they read and write
// session state through a variables.Resolver and perform HTTP calls through
// an injected client. The flow engine applies cheap operations inline during
// a turn; the background worker applies the rest under the idempotency
// protocol. Both drive the same code.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/convoflow/flowpg/variables"
)

// ActionType identifies one action operation.
type ActionType string

const (
	ActionSetVariable ActionType = "set_variable"
	ActionIncrement   ActionType = "increment"
	ActionAppend      ActionType = "append"
	ActionRemove      ActionType = "remove"
	ActionClear       ActionType = "clear"
	ActionCalculate   ActionType = "calculate"
	ActionAPICall     ActionType = "api_call"
)

// ActionSpec is one operation of an ACTION node. Variable names route to a
// scope by dotted prefix and default to the variables scope.
type ActionSpec struct {
	Type ActionType `json:"type"`

	// set_variable, increment, append, remove, clear
	Variable  string   `json:"variable,omitempty"`
	Value     any      `json:"value,omitempty"`
	Increment *float64 `json:"increment,omitempty"`

	// calculate
	Expression     string `json:"expression,omitempty"`
	ResultVariable string `json:"result_variable,omitempty"`

	// api_call
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        any               `json:"payload,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	StoreResponse  bool              `json:"store_response,omitempty"`
	ResponseKey    string            `json:"response_key,omitempty"`
}

// ValidateActions checks an action list before anything executes and
// returns every issue at once. A list that fails validation is never
// partially applied.
func ValidateActions(actions []ActionSpec) error {
	var issues []string
	for i, action := range actions {
		at := func(msg string) string {
			return fmt.Sprintf("action %d: %s", i, msg)
		}
		switch action.Type {
		case "":
			issues = append(issues, at("missing type"))
		case ActionSetVariable, ActionIncrement, ActionAppend, ActionRemove, ActionClear:
			if action.Variable == "" {
				issues = append(issues, at(fmt.Sprintf("%s requires variable", action.Type)))
			}
		case ActionCalculate:
			if action.Expression == "" {
				issues = append(issues, at("calculate requires expression"))
			}
			if action.ResultVariable == "" {
				issues = append(issues, at("calculate requires result_variable"))
			}
		case ActionAPICall:
			if action.URL == "" {
				issues = append(issues, at("api_call requires url"))
			}
		default:
			issues = append(issues, at(fmt.Sprintf("unknown action type %q", action.Type)))
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// IsLocal reports whether the action mutates only session state. Local
// actions run inline during a turn; everything else goes through the
// background worker.
func (a ActionSpec) IsLocal() bool {
	return a.Type != ActionAPICall
}

// DefaultHTTPTimeout bounds outbound webhook and api_call requests when
// the node config does not set one.
const DefaultHTTPTimeout = 30 * time.Second

// Processor executes action and webhook operations.
type Processor struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithHTTPClient sets the client used for webhook and api_call requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Processor) { p.httpClient = client }
}

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// New creates a Processor.
func New(opts ...Option) *Processor {
	p := &Processor{
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApplyAction executes one action against the resolver's state and returns
// a result payload describing what happened.
func (p *Processor) ApplyAction(ctx context.Context, resolver *variables.Resolver, action ActionSpec) (map[string]any, error) {
	switch action.Type {
	case ActionSetVariable:
		value := resolver.SubstituteObject(ctx, action.Value, false)
		if err := resolver.Set(action.Variable, value); err != nil {
			return nil, err
		}
		return map[string]any{"variable": action.Variable, "value": value}, nil

	case ActionIncrement:
		step := 1.0
		if action.Increment != nil {
			step = *action.Increment
		}
		current, found := resolver.Get(action.Variable)
		base := 0.0
		if found && current.Type == gjson.Number {
			base = current.Num
		}
		next := base + step
		if err := resolver.Set(action.Variable, next); err != nil {
			return nil, err
		}
		return map[string]any{"variable": action.Variable, "value": next}, nil

	case ActionAppend:
		value := resolver.SubstituteObject(ctx, action.Value, false)
		current, found := resolver.Get(action.Variable)

		var list []any
		switch {
		case !found || current.Type == gjson.Null:
			list = []any{}
		case current.IsArray():
			for _, item := range current.Array() {
				list = append(list, item.Value())
			}
		default:
			// Scalars coerce to a single-element list before the push.
			list = []any{current.Value()}
		}
		list = append(list, value)
		if err := resolver.Set(action.Variable, list); err != nil {
			return nil, err
		}
		return map[string]any{"variable": action.Variable, "length": len(list)}, nil

	case ActionRemove:
		value := resolver.SubstituteObject(ctx, action.Value, false)
		current, found := resolver.Get(action.Variable)
		if !found || !current.IsArray() {
			return map[string]any{"variable": action.Variable, "removed": false}, nil
		}
		target := fmt.Sprintf("%v", value)
		var list []any
		removed := false
		for _, item := range current.Array() {
			if !removed && fmt.Sprintf("%v", item.Value()) == target {
				removed = true
				continue
			}
			list = append(list, item.Value())
		}
		if list == nil {
			list = []any{}
		}
		if err := resolver.Set(action.Variable, list); err != nil {
			return nil, err
		}
		return map[string]any{"variable": action.Variable, "removed": removed}, nil

	case ActionClear:
		if err := resolver.Set(action.Variable, nil); err != nil {
			return nil, err
		}
		return map[string]any{"variable": action.Variable, "cleared": true}, nil

	case ActionCalculate:
		expr := resolver.SubstituteString(ctx, action.Expression, false)
		result, err := EvaluateExpression(expr)
		if err != nil {
			return nil, err
		}
		if err := resolver.Set(action.ResultVariable, result); err != nil {
			return nil, err
		}
		return map[string]any{"variable": action.ResultVariable, "value": result}, nil

	case ActionAPICall:
		return p.apiCall(ctx, resolver, action)

	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, action.Type)
	}
}

// ApplyActions validates and then executes an action list sequentially.
// Results are returned per action in order.
func (p *Processor) ApplyActions(ctx context.Context, resolver *variables.Resolver, actions []ActionSpec) ([]map[string]any, error) {
	if err := ValidateActions(actions); err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(actions))
	for i, action := range actions {
		result, err := p.ApplyAction(ctx, resolver, action)
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
		results = append(results, result)
	}
	return results, nil
}
