// Package routing picks the agent binding that serves an inbound message.
//
// A binding that names an account or peer must match the request's. Among
// the survivors the most specific wins, with ties broken by priority, then
// creation time, then id.
package routing
