// Package idempotency implements the reservation ledger that guarantees a
// side-effecting command runs at most once per client idempotency key.
//
// # Reservation
//
// ReserveOrGet hashes (method, payload) with canonical key ordering and
// consults the ledger:
//
//   - No record: the key is reserved in_progress and the caller executes.
//   - Same request, completed: the stored response is replayed.
//   - Same request, still in progress: ErrInProgress (retryable).
//   - Different request under the same key: ErrConflict (permanent).
//
// The caller settles the reservation with Complete or Fail.
//
// # Expiry
//
// Records carry an expiry (one hour by default). An in_progress record whose
// expiry has passed is treated as abandoned by a crashed owner and may be
// re-reserved by the same request. Failed records may be re-reserved at any
// time. The Sweeper deletes expired records on a cron schedule.
package idempotency
