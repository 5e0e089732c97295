// Package policy decides whether a sender may reach an agent by direct
// message.
//
// Evaluate is a pure function over an Input. Rules apply in order:
//
//  1. Group messages that require a mention are refused without one
//  2. disabled refuses every sender
//  3. open admits every sender
//  4. allowlist admits listed sender ids only
//  5. pairing, the default, admits paired devices and allowlisted senders
//
// Gate builds the Input from an agent's stored settings and the pairing
// table, then calls Evaluate.
package policy
