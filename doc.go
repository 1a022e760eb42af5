// Package flowpg provides a PostgreSQL-backed conversational flow runtime for Go.
//
// FlowPG executes authored, graph-structured chatbot flows against many
// concurrent end-user sessions. A flow is a directed graph of typed nodes
// (messages, questions, conditions, actions, webhooks, composites, scripts);
// the runtime drives each session through that graph one user turn at a time,
// interpolating templated content, persisting state with optimistic
// concurrency, dispatching long-running side effects to idempotent background
// workers, and emitting state-change events over PostgreSQL LISTEN/NOTIFY.
//
// # Quick Start
//
// Create a client with a pgx pool and start the embedded workers:
//
//	pool, _ := pgxpool.New(ctx, connString)
//	client, err := flowpg.NewClient(pool, flowpg.DefaultClientConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
// Drive a session:
//
//	session, _ := client.StartSession(ctx, flowID, flowpg.StartSessionParams{})
//	resp, _ := client.InteractByToken(ctx, session.SessionToken, &engine.UserInput{
//	    Input:     "Alice",
//	    InputType: storage.InteractionInput,
//	})
//
// # Architecture
//
// All cross-instance coordination happens through PostgreSQL: session writes
// use compare-and-swap on a monotonic revision counter, background tasks are
// claimed with FOR UPDATE SKIP LOCKED, idempotency is enforced by a unique-key
// ledger, and state-change events ride the flow_events NOTIFY channel. No
// in-process state is shared between turns, so instances scale horizontally.
//
// # Subpackages
//
//   - variables: scoped {{scope.path}} template resolution
//   - condition: condition-node predicate evaluation
//   - processor: action and webhook side-effect operations
//   - storage: pgx store for flows, sessions, history, tasks, and the ledger
//   - engine: the turn loop and node dispatch
//   - worker: idempotent background task execution
//   - notifier: flow_events pub/sub with automatic reconnection
//   - server: the HTTP edge (gin)
package flowpg
