// Package supervisor owns the connection session lifecycle.
//
// Ownership boundary:
// - start/stop command handling
// - connect window and timeout policy
// - reachability watcher and retry ticker
// - ordered event dispatch into the store and queue processor
// - teardown
//
// Lifecycle order:
// - idle -> activating -> active -> idle
//
// - stop wins every race and completes before the next start is accepted.
//
// - a session's goroutines (dial, dispatch, watcher, ticker, transport reader)
// never outlive its teardown.
//
// The supervisor does not own task or queue semantics; those live in store.
package supervisor
