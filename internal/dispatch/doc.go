// Package dispatch is the single execution path for gateway commands.
//
// Both the WebSocket protocol and the REST API hand a method name, params,
// an optional idempotency key and the caller's identity to
// Dispatcher.Dispatch. The method set is closed: each Method maps to a
// handler, a required scope and whether it has side effects. Side-effecting
// methods must carry an idempotency key and are de-duplicated through the
// idempotency ledger.
package dispatch
