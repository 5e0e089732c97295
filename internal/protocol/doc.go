// Package protocol defines the gateway's socket wire format and the
// challenge handshake that authenticates a connection.
//
// Every frame is a JSON object with a "type" discriminator:
//
//	connect.challenge  server -> client  nonce the client must echo
//	connect            client -> server  legacy credential + nonce echo
//	req                client -> server  id, method, params, idempotency_key
//	res                server -> client  id, ok, result
//	error              server -> client  optional id, code, message
//	event              server -> client  event, data, ts, seq
//
// A connect may also arrive as a req with method "connect"; that form
// negotiates a protocol range and receives a hello res.
//
// Handshake failures are reported as *Error values. The transport sends
// the corresponding error frame and closes with CloseCode.
package protocol
