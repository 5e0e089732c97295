// Package connections tracks authenticated socket connections.
//
// The Registry maps connection ids to Connections and bumps a state
// version on every add and remove. Each Connection serializes its own
// writes and stamps events with a per-connection sequence number, so
// seq on the wire is strictly increasing for that client.
//
// Broadcasts fan out one goroutine per peer and return the number of
// peers targeted. A peer whose socket stalls only delays itself.
package connections
