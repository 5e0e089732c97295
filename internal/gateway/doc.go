// Package gateway assembles and runs the agent-gateway server.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the
// event bus, the idempotency ledger and its sweeper, the connection
// registry, the task orchestrator and the command dispatcher. One HTTP
// server carries both client surfaces.
//
// # WebSocket Protocol
//
// Clients connect to /ws. Each connection goes through:
//
//  1. Remote gate: unless ws.allow_remote is set, only loopback and
//     private addresses are admitted
//  2. connect.challenge with a fresh nonce
//  3. connect (legacy frame or req{method:"connect"}) echoing the nonce
//  4. presence.connected broadcast, then the hello res for request-form
//     connects
//  5. A request loop answering each req with exactly one res or error
//
// Bus events and heartbeats are forwarded to every connection with a
// per-connection seq and the registry's state_version. Fatal protocol
// errors are sent as an error frame followed by close code 1008.
//
// # REST API
//
//   - GET /health - Liveness check
//   - POST /api/v1/commands/{method} - Run a command with a bearer token;
//     the Idempotency-Key header carries the idempotency key
//
// Both surfaces call the same Dispatcher, so a command behaves the same
// however it arrives.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
package gateway
