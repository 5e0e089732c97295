// Package events provides the in-process publish/subscribe bus that carries
// task, presence and system events to live connections.
//
// # Mailboxes
//
// Every subscriber owns a bounded mailbox (256 envelopes unless configured
// otherwise). Delivery is lossy: when a mailbox is full the oldest buffered
// envelope is evicted to admit the newest, so a slow reader can never stall a
// publisher.
//
//	bus := events.New(logger)
//	defer bus.Close()
//
//	id, ch := bus.Subscribe()
//	defer bus.Unsubscribe(id)
//
//	bus.PublishNowait("task.started", map[string]any{"task_id": taskID})
//
// # Publish Variants
//
//   - Publish(ctx, event, data): offers the envelope to every current
//     subscriber before returning.
//   - PublishNowait(event, data): hands the envelope to the bus's delivery
//     goroutine and returns immediately. If the delivery queue itself is
//     full the envelope is dropped and counted.
//
// Envelopes published by one goroutine reach each subscriber in publish
// order. There is no ordering across subscribers.
package events
