// Package orchestrator runs pending tasks and documents in the background.
//
// A poll loop feeds a bounded job channel drained by a fixed worker pool.
// Claims are conditional updates in the store, so a task is executed by at
// most one worker even when several gateways share a database. Execute is
// also called directly by the tasks.retry command.
package orchestrator
