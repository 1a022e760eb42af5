// Package engine executes flow graphs against session state.
//
// A turn starts from the session's current node, executes nodes along their
// edges, and stops at the first blocking point: a question waiting for
// input, a script handed to the client, a background task, or the end of
// the graph. Everything the turn changed is written back in one conditional
// store write, so a turn either lands completely or not at all.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/convoflow/flowpg/condition"
	"github.com/convoflow/flowpg/hooks"
	"github.com/convoflow/flowpg/processor"
	"github.com/convoflow/flowpg/storage"
	"github.com/convoflow/flowpg/variables"
)

const (
	// DefaultMaxCompositeDepth bounds composite nesting.
	DefaultMaxCompositeDepth = 16

	// DefaultMaxSteps bounds nodes executed in one turn. A turn that hits
	// it almost always means a graph cycle with no blocking node.
	DefaultMaxSteps = 256
)

// Engine executes turns. It is safe for concurrent use; all per-turn state
// lives on the stack and conflicts between concurrent turns on the same
// session resolve through the store's revision check.
type Engine struct {
	store    storage.Store
	proc     *processor.Processor
	secrets  variables.SecretSource
	hooks    *hooks.Registry
	logger   *slog.Logger
	maxDepth int
	maxSteps int

	mu     sync.RWMutex
	graphs map[string]*Graph
}

// Option configures an Engine.
type Option func(*Engine)

// WithProcessor sets the action/webhook processor.
func WithProcessor(proc *processor.Processor) Option {
	return func(e *Engine) { e.proc = proc }
}

// WithSecrets sets the source for secret:KEY references.
func WithSecrets(src variables.SecretSource) Option {
	return func(e *Engine) { e.secrets = src }
}

// WithHooks sets the hook registry.
func WithHooks(registry *hooks.Registry) Option {
	return func(e *Engine) { e.hooks = registry }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxCompositeDepth overrides the composite nesting limit.
func WithMaxCompositeDepth(depth int) Option {
	return func(e *Engine) { e.maxDepth = depth }
}

// WithMaxSteps overrides the per-turn node limit.
func WithMaxSteps(steps int) Option {
	return func(e *Engine) { e.maxSteps = steps }
}

// New creates an engine over a store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		hooks:    hooks.NewRegistry(),
		logger:   slog.Default(),
		maxDepth: DefaultMaxCompositeDepth,
		maxSteps: DefaultMaxSteps,
		graphs:   make(map[string]*Graph),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.proc == nil {
		e.proc = processor.New(processor.WithLogger(e.logger))
	}
	return e
}

// Hooks returns the engine's hook registry.
func (e *Engine) Hooks() *hooks.Registry {
	return e.hooks
}

// Graph returns the validated adjacency view of a flow, building and
// caching it on first use.
func (e *Engine) Graph(ctx context.Context, flowID string) (*Graph, error) {
	e.mu.RLock()
	g, ok := e.graphs[flowID]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	fg, err := e.store.GetFlowGraph(ctx, flowID)
	if err != nil {
		return nil, err
	}
	g, err = BuildGraph(fg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.graphs[flowID] = g
	e.mu.Unlock()
	return g, nil
}

// InvalidateFlow drops a flow's cached graph, forcing a reload on next use.
// Call after republishing a flow definition.
func (e *Engine) InvalidateFlow(flowID string) {
	e.mu.Lock()
	delete(e.graphs, flowID)
	e.mu.Unlock()
}

// turn is the working state of one ExecuteTurn call.
type turn struct {
	engine   *Engine
	session  *storage.Session
	resolver *variables.Resolver
	marks    *marks
	graph    *Graph
	input    *UserInput

	resp    *TurnResponse
	history []storage.HistoryAppend

	stop      bool
	nextNode  string
	endStatus storage.SessionStatus
	persisted bool
}

// ExecuteTurn runs one turn of a session. The session must be freshly
// loaded; its revision is the CAS expectation for every write the turn
// makes, so a session modified elsewhere in the meantime fails with
// storage.ErrRevisionConflict and the caller reloads and retries.
func (e *Engine) ExecuteTurn(ctx context.Context, session *storage.Session, input *UserInput) (*TurnResponse, error) {
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", storage.ErrSessionEnded, session.ID, session.Status)
	}

	m, err := marksFromState(session.State)
	if err != nil {
		return nil, err
	}
	resolver, err := variables.New(session.State,
		variables.WithSecrets(e.secrets),
		variables.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	graph, err := e.Graph(ctx, m.activeFlowID(session.FlowID))
	if err != nil {
		return nil, err
	}

	t := &turn{
		engine:   e,
		session:  session,
		resolver: resolver,
		marks:    m,
		graph:    graph,
		input:    input,
		resp:     &TurnResponse{},
	}

	var next string
	switch {
	case m.Pending != nil:
		next, err = t.resumePending(ctx)
	case !m.Presented:
		next = t.currentNodeID()
	default:
		next, err = t.consumeInput(ctx)
	}
	if err != nil {
		return nil, err
	}

	if !t.stop || next != "" {
		if err := t.run(ctx, next); err != nil {
			return nil, err
		}
	}

	if !t.persisted {
		if err := t.persist(ctx); err != nil {
			return nil, err
		}
	}

	t.resp.CurrentNodeID = t.session.CurrentNodeID
	t.resp.Session = t.session
	if t.endStatus != "" {
		t.resp.SessionEnded = true
		e.hooks.FireSessionEnd(ctx, t.session.ID, t.endStatus)
	}
	return t.resp, nil
}

// currentNodeID returns where the session is waiting, falling back to the
// active flow's entry node.
func (t *turn) currentNodeID() string {
	if t.session.CurrentNodeID != nil && *t.session.CurrentNodeID != "" {
		return *t.session.CurrentNodeID
	}
	return t.graph.Flow.EntryNodeID
}

// run walks the graph from next until a blocking point or the end. An empty
// next means the waiting node turned out terminal (a question or task node
// with no outgoing edge), so the unwind starts there.
func (t *turn) run(ctx context.Context, next string) error {
	if next == "" && !t.stop {
		var err error
		next, err = t.leave(ctx, t.currentNodeID())
		if err != nil {
			return err
		}
	}

	steps := 0
	for next != "" && !t.stop {
		steps++
		if steps > t.engine.maxSteps {
			return fmt.Errorf("%w: %d nodes without blocking", ErrStepLimit, steps)
		}
		node, ok := t.graph.Node(next)
		if !ok {
			return fmt.Errorf("%w: %s in flow %s", storage.ErrNodeNotFound, next, t.graph.Flow.ID)
		}

		if err := t.engine.hooks.FireBeforeNode(ctx, t.session.ID, node.NodeID, node.Type); err != nil {
			return fmt.Errorf("before-node hook rejected %s: %w", node.NodeID, err)
		}
		following, err := t.exec(ctx, node)
		t.engine.hooks.FireAfterNode(ctx, t.session.ID, node.NodeID, node.Type, err)
		if err != nil {
			return err
		}

		if t.stop {
			if t.nextNode == "" {
				t.nextNode = node.NodeID
			}
			return nil
		}
		if following == "" {
			following, err = t.leave(ctx, node.NodeID)
			if err != nil {
				return err
			}
		}
		next = following
	}
	return nil
}

// leave handles a node with no outgoing edge: pop a composite frame and
// resume the parent, or complete the session.
func (t *turn) leave(ctx context.Context, nodeID string) (string, error) {
	for {
		if len(t.marks.Frames) == 0 {
			t.stop = true
			t.nextNode = nodeID
			t.endStatus = storage.SessionCompleted
			return "", nil
		}

		fr := t.marks.Frames[len(t.marks.Frames)-1]
		t.marks.Frames = t.marks.Frames[:len(t.marks.Frames)-1]

		// Capture mapped outputs from the child before its scopes vanish.
		captured := make(map[string]any, len(fr.OutputMapping))
		for src, dst := range fr.OutputMapping {
			if res, ok := t.resolver.Get(src); ok {
				captured[dst] = res.Value()
			}
		}

		st, err := t.resolver.State()
		if err != nil {
			return "", err
		}
		st[variables.ScopeInput] = fr.Saved.Input
		st[variables.ScopeOutput] = fr.Saved.Output
		st[variables.ScopeLocal] = fr.Saved.Local
		if err := t.resolver.ReplaceState(st); err != nil {
			return "", err
		}
		for dst, val := range captured {
			if err := t.resolver.Set(dst, val); err != nil {
				t.engine.logger.Warn("output mapping target rejected",
					"flow_id", fr.FlowID, "target", dst, "error", err)
			}
		}

		parent, err := t.engine.Graph(ctx, t.marks.activeFlowID(t.session.FlowID))
		if err != nil {
			return "", err
		}
		t.graph = parent

		if next := parent.DefaultNext(fr.ReturnNodeID); next != "" {
			return next, nil
		}
		// The composite itself was terminal in its flow; unwind again.
		nodeID = fr.ReturnNodeID
	}
}

// consumeInput handles a turn arriving while the session waits at a
// presented node. Questions record and route the answer; scripts record the
// client-reported result. Arriving with no input at a question re-presents
// the prompt without touching state.
func (t *turn) consumeInput(ctx context.Context) (string, error) {
	nodeID := t.currentNodeID()
	node, ok := t.graph.Node(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s in flow %s", storage.ErrNodeNotFound, nodeID, t.graph.Flow.ID)
	}

	switch node.Type {
	case storage.NodeTypeQuestion:
		var content QuestionContent
		if err := decodeContent(node, &content); err != nil {
			return "", err
		}
		if t.input == nil {
			t.presentQuestion(ctx, node, &content)
			t.stop = true
			t.persisted = true // nothing changed
			return "", nil
		}
		return t.recordAnswer(node, &content)

	case storage.NodeTypeScript:
		var content ScriptContent
		if err := decodeContent(node, &content); err != nil {
			return "", err
		}
		if t.input != nil && content.ResultVariable != "" {
			if err := t.resolver.Set(content.ResultVariable, t.input.Input); err != nil {
				return "", err
			}
			t.record(node.NodeID, storage.InteractionAction, map[string]any{
				"script_result": t.input.Input,
				"variable":      content.ResultVariable,
			})
		}
		t.marks.Presented = false
		return t.graph.DefaultNext(node.NodeID), nil

	default:
		// Stale marker from an older flow version. Continue past the node.
		t.marks.Presented = false
		return t.graph.DefaultNext(node.NodeID), nil
	}
}

// recordAnswer stores a question answer and picks the outgoing edge: the
// matched option's edge, or DEFAULT for free-form input.
func (t *turn) recordAnswer(node *storage.Node, content *QuestionContent) (string, error) {
	answer := t.input.Input
	edge := storage.ConnectionDefault

	if len(content.Options) > 0 {
		if i, ok := matchOption(content.Options, answer); ok {
			answer = optionValue(content.Options[i])
			edge = storage.OptionConnection(i)
		}
	}

	variable := content.Variable
	if variable == "" {
		variable = node.NodeID
	}
	if err := t.resolver.Set(variable, answer); err != nil {
		return "", err
	}
	t.record(node.NodeID, storage.InteractionInput, map[string]any{
		"input":    t.input.Input,
		"variable": variable,
	})
	t.marks.Presented = false

	if conn, ok := t.graph.Edge(node.NodeID, edge); ok {
		return conn.TargetNodeID, nil
	}
	return t.graph.DefaultNext(node.NodeID), nil
}

// resumePending checks the ledger for the task the session is blocked on.
func (t *turn) resumePending(ctx context.Context) (string, error) {
	p := t.marks.Pending
	rec, err := t.engine.store.GetIdempotency(ctx, p.Key)
	if errors.Is(err, storage.ErrIdempotencyNotFound) {
		// The task row never reached a worker. Re-enqueue under the same
		// key; the ledger makes a duplicate harmless.
		return "", t.reenqueue(ctx, p)
	}
	if err != nil {
		return "", err
	}

	switch rec.Status {
	case storage.IdempotencyInProgress:
		t.resp.Pending = &PendingTask{
			NodeID:         p.NodeID,
			IdempotencyKey: p.Key,
			Status:         string(rec.Status),
		}
		t.stop = true
		t.persisted = true
		return "", nil

	case storage.IdempotencySucceeded:
		t.marks.Pending = nil
		if discarded(rec) {
			t.engine.logger.Info("background task discarded",
				"session_id", t.session.ID, "node_id", p.NodeID,
				"reason", rec.ResultData["status"])
			return t.failureNext(ctx, p.NodeID, rec)
		}
		t.record(p.NodeID, storage.InteractionAction, map[string]any{
			"task":   "completed",
			"result": rec.ResultData,
		})
		if conn, ok := t.graph.Edge(p.NodeID, storage.ConnectionSuccess); ok {
			return conn.TargetNodeID, nil
		}
		return t.graph.DefaultNext(p.NodeID), nil

	default: // FAILED
		t.marks.Pending = nil
		return t.failureNext(ctx, p.NodeID, rec)
	}
}

// failureNext routes a failed or discarded task down the node's FAILURE
// edge. With no such edge the turn fails; the cleared pending marker is
// persisted first so the session does not stay wedged.
func (t *turn) failureNext(ctx context.Context, nodeID string, rec *storage.IdempotencyRecord) (string, error) {
	t.record(nodeID, storage.InteractionAction, map[string]any{
		"task":  "failed",
		"error": orUnknown(rec.ErrorMessage),
	})
	if conn, ok := t.graph.Edge(nodeID, storage.ConnectionFailure); ok {
		return conn.TargetNodeID, nil
	}
	if err := t.persist(ctx); err != nil {
		return "", err
	}
	t.persisted = true
	return "", fmt.Errorf("%w: node %s: %s", ErrTaskFailed, nodeID, orUnknown(rec.ErrorMessage))
}

// reenqueue rebuilds and re-submits the task for a pending marker whose
// ledger record never appeared.
func (t *turn) reenqueue(ctx context.Context, p *pendingMark) error {
	node, ok := t.graph.Node(p.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s in flow %s", storage.ErrNodeNotFound, p.NodeID, t.graph.Flow.ID)
	}
	task, err := buildTask(t.session.ID, node, p.Key, p.Revision)
	if err != nil {
		return err
	}
	if err := t.engine.store.EnqueueTask(ctx, task); err != nil {
		return err
	}
	t.resp.Pending = &PendingTask{
		TaskID:         task.ID,
		NodeID:         p.NodeID,
		IdempotencyKey: p.Key,
		Status:         string(storage.IdempotencyInProgress),
	}
	t.stop = true
	t.persisted = true
	return nil
}

// exec runs one node and returns the next node id, or "" for a terminal
// node. Blocking nodes set t.stop instead.
func (t *turn) exec(ctx context.Context, node *storage.Node) (string, error) {
	switch node.Type {
	case storage.NodeTypeMessage:
		return t.execMessage(ctx, node)
	case storage.NodeTypeQuestion:
		return t.execQuestion(ctx, node)
	case storage.NodeTypeCondition:
		return t.execCondition(ctx, node)
	case storage.NodeTypeAction:
		return t.execAction(ctx, node)
	case storage.NodeTypeWebhook:
		return t.execWebhook(ctx, node)
	case storage.NodeTypeComposite:
		return t.execComposite(ctx, node)
	case storage.NodeTypeScript:
		return t.execScript(ctx, node)
	default:
		return "", fmt.Errorf("%w: node %s has type %q", ErrInvalidNodeContent, node.NodeID, node.Type)
	}
}

func (t *turn) execMessage(ctx context.Context, node *storage.Node) (string, error) {
	var content MessageContent
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	for _, item := range content.items() {
		msg := renderMessage(ctx, t.resolver, item)
		t.resp.Messages = append(t.resp.Messages, msg)
		t.record(node.NodeID, storage.InteractionMessage, map[string]any{"text": msg.Text})
	}
	return t.graph.DefaultNext(node.NodeID), nil
}

func (t *turn) execQuestion(ctx context.Context, node *storage.Node) (string, error) {
	var content QuestionContent
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	t.presentQuestion(ctx, node, &content)
	t.record(node.NodeID, storage.InteractionMessage, map[string]any{"text": t.resp.InputRequest.Prompt})
	t.marks.Presented = true
	t.stop = true
	return "", nil
}

// presentQuestion builds the interpolated input request.
func (t *turn) presentQuestion(ctx context.Context, node *storage.Node, content *QuestionContent) {
	variable := content.Variable
	if variable == "" {
		variable = node.NodeID
	}
	req := &InputRequest{
		NodeID:    node.NodeID,
		Prompt:    t.resolver.SubstituteString(ctx, content.Question, true),
		InputType: content.InputType,
		Variable:  variable,
	}
	for _, opt := range content.Options {
		req.Options = append(req.Options, QuestionOption{
			Label: t.resolver.SubstituteString(ctx, opt.Label, true),
			Value: opt.Value,
		})
	}
	t.resp.InputRequest = req
}

func (t *turn) execCondition(ctx context.Context, node *storage.Node) (string, error) {
	var content ConditionContent
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	outcome := condition.Evaluate(ctx, t.resolver, content.Conditions, content.DefaultPath, t.engine.logger)
	if outcome == "" {
		return t.graph.DefaultNext(node.NodeID), nil
	}
	if target := t.graph.ResolveOutcome(node.NodeID, outcome); target != "" {
		return target, nil
	}
	t.engine.logger.Warn("condition outcome has no edge",
		"flow_id", t.graph.Flow.ID, "node_id", node.NodeID, "outcome", outcome)
	return t.graph.DefaultNext(node.NodeID), nil
}

func (t *turn) execAction(ctx context.Context, node *storage.Node) (string, error) {
	var content ActionContent
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	if !content.runsInline() {
		payload, err := json.Marshal(struct {
			Actions []processor.ActionSpec `json:"actions"`
		}{content.Actions})
		if err != nil {
			return "", err
		}
		return "", t.dispatchTask(ctx, node, storage.TaskTypeAction, payload)
	}

	results, err := t.engine.proc.ApplyActions(ctx, t.resolver, content.Actions)
	if err != nil {
		if conn, ok := t.graph.Edge(node.NodeID, storage.ConnectionFailure); ok {
			t.record(node.NodeID, storage.InteractionAction, map[string]any{"error": err.Error()})
			return conn.TargetNodeID, nil
		}
		return "", err
	}
	t.record(node.NodeID, storage.InteractionAction, map[string]any{"results": results})

	if conn, ok := t.graph.Edge(node.NodeID, storage.ConnectionSuccess); ok {
		return conn.TargetNodeID, nil
	}
	return t.graph.DefaultNext(node.NodeID), nil
}

func (t *turn) execWebhook(ctx context.Context, node *storage.Node) (string, error) {
	// Webhooks always run in the background; the payload is the node
	// content itself.
	var content processor.WebhookConfig
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	return "", t.dispatchTask(ctx, node, storage.TaskTypeWebhook, node.Content)
}

// dispatchTask persists the session blocked at the node with a pending
// marker, then enqueues the task. The persist happens first so the task's
// revision snapshot matches a committed session revision; the deterministic
// key lets a crash between the two steps be repaired by re-enqueueing.
func (t *turn) dispatchTask(ctx context.Context, node *storage.Node, taskType storage.TaskType, payload json.RawMessage) error {
	revision := t.session.Revision + 1
	key := idempotencyKey(t.session.ID, node.NodeID, revision)
	t.marks.Pending = &pendingMark{Key: key, NodeID: node.NodeID, Revision: revision}
	t.stop = true
	t.nextNode = node.NodeID

	if err := t.persist(ctx); err != nil {
		return err
	}
	t.persisted = true

	task, err := buildTaskRaw(t.session.ID, node.NodeID, taskType, key, revision, payload)
	if err != nil {
		return err
	}
	if err := t.engine.store.EnqueueTask(ctx, task); err != nil {
		return err
	}

	t.resp.Pending = &PendingTask{
		TaskID:         task.ID,
		NodeID:         node.NodeID,
		IdempotencyKey: key,
		Status:         string(storage.IdempotencyInProgress),
	}
	return nil
}

func (t *turn) execComposite(ctx context.Context, node *storage.Node) (string, error) {
	var content CompositeContent
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	if content.FlowID == "" {
		return "", fmt.Errorf("%w: composite %s names no flow", ErrInvalidNodeContent, node.NodeID)
	}
	if len(t.marks.Frames)+1 > t.engine.maxDepth {
		return "", fmt.Errorf("%w: depth %d at node %s", ErrCompositeDepth, len(t.marks.Frames)+1, node.NodeID)
	}
	if t.marks.inStack(t.session.FlowID, content.FlowID) {
		return "", fmt.Errorf("%w: flow %s at node %s", ErrCompositeCycle, content.FlowID, node.NodeID)
	}

	child, err := t.engine.Graph(ctx, content.FlowID)
	if err != nil {
		return "", err
	}

	captured := make(map[string]any, len(content.InputMapping))
	for src, dst := range content.InputMapping {
		if res, ok := t.resolver.Get(src); ok {
			captured[dst] = res.Value()
		}
	}

	st, err := t.resolver.State()
	if err != nil {
		return "", err
	}
	t.marks.Frames = append(t.marks.Frames, frame{
		FlowID:        content.FlowID,
		ReturnNodeID:  node.NodeID,
		OutputMapping: content.OutputMapping,
		Saved: savedScopes{
			Input:  scopeMap(st, variables.ScopeInput),
			Output: scopeMap(st, variables.ScopeOutput),
			Local:  scopeMap(st, variables.ScopeLocal),
		},
	})

	input := map[string]any{}
	for dst, val := range captured {
		setNested(input, strings.TrimPrefix(dst, variables.ScopeInput+"."), val)
	}
	st[variables.ScopeInput] = input
	st[variables.ScopeOutput] = map[string]any{}
	st[variables.ScopeLocal] = map[string]any{}
	if err := t.resolver.ReplaceState(st); err != nil {
		return "", err
	}

	t.graph = child
	return child.Flow.EntryNodeID, nil
}

func (t *turn) execScript(ctx context.Context, node *storage.Node) (string, error) {
	var content ScriptContent
	if err := decodeContent(node, &content); err != nil {
		return "", err
	}
	t.resp.Script = &ScriptPayload{
		NodeID:   node.NodeID,
		Script:   t.resolver.SubstituteString(ctx, content.Script, true),
		Language: content.Language,
	}
	t.marks.Presented = true
	t.stop = true
	return "", nil
}

// record queues a history row for the turn's write.
func (t *turn) record(nodeID string, kind storage.InteractionType, content map[string]any) {
	t.history = append(t.history, storage.HistoryAppend{
		NodeID:          nodeID,
		InteractionType: kind,
		Content:         content,
	})
}

// persist writes the turn's full state image, position, status, and history
// in one conditional store write.
func (t *turn) persist(ctx context.Context) error {
	st, err := t.resolver.State()
	if err != nil {
		return err
	}
	st, err = t.marks.applyTo(st)
	if err != nil {
		return err
	}

	params := storage.UpdateStateParams{
		SessionID:        t.session.ID,
		StateUpdates:     st,
		ExpectedRevision: t.session.Revision,
		Replace:          true,
		Status:           t.endStatus,
		History:          t.history,
	}
	if t.nextNode != "" {
		params.CurrentNodeID = &t.nextNode
	}

	updated, err := t.engine.store.UpdateSessionState(ctx, params)
	if err != nil {
		return err
	}
	t.session = updated
	t.history = nil
	return nil
}

// idempotencyKey derives the deterministic key for a node execution at a
// session revision.
func idempotencyKey(sessionID, nodeID string, revision int64) string {
	return sessionID + ":" + nodeID + ":" + strconv.FormatInt(revision, 10)
}

// buildTask rebuilds a task from a node definition, used when re-enqueueing
// after a lost task row.
func buildTask(sessionID string, node *storage.Node, key string, revision int64) (*storage.Task, error) {
	switch node.Type {
	case storage.NodeTypeWebhook:
		return buildTaskRaw(sessionID, node.NodeID, storage.TaskTypeWebhook, key, revision, node.Content)
	case storage.NodeTypeAction:
		var content ActionContent
		if err := decodeContent(node, &content); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(struct {
			Actions []processor.ActionSpec `json:"actions"`
		}{content.Actions})
		if err != nil {
			return nil, err
		}
		return buildTaskRaw(sessionID, node.NodeID, storage.TaskTypeAction, key, revision, payload)
	default:
		return nil, fmt.Errorf("%w: node %s type %s cannot run in the background", ErrInvalidNodeContent, node.NodeID, node.Type)
	}
}

func buildTaskRaw(sessionID, nodeID string, taskType storage.TaskType, key string, revision int64, payload json.RawMessage) (*storage.Task, error) {
	return &storage.Task{
		ID:              uuid.NewString(),
		Type:            taskType,
		SessionID:       sessionID,
		NodeID:          nodeID,
		SessionRevision: revision,
		IdempotencyKey:  key,
		Payload:         payload,
		Status:          storage.TaskPending,
	}, nil
}

// discarded reports whether a SUCCEEDED ledger record marks an execution the
// worker refused to run.
func discarded(rec *storage.IdempotencyRecord) bool {
	status, _ := rec.ResultData["status"].(string)
	return status == storage.ResultDiscardedStale || status == storage.ResultDiscardedSessionMissing
}

// matchOption matches a raw answer against question options by value, then
// label, then numeric index.
func matchOption(options []QuestionOption, raw any) (int, bool) {
	s := strings.TrimSpace(stringifyAnswer(raw))
	for i, opt := range options {
		if opt.Value != nil && stringifyAnswer(opt.Value) == s {
			return i, true
		}
	}
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt.Label), s) {
			return i, true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(options) {
		return n, true
	}
	return 0, false
}

// optionValue returns what gets stored for a chosen option.
func optionValue(opt QuestionOption) any {
	if opt.Value != nil {
		return opt.Value
	}
	return opt.Label
}

func stringifyAnswer(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func orUnknown(msg *string) string {
	if msg == nil || *msg == "" {
		return "unknown error"
	}
	return *msg
}
