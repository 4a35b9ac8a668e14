// Package engine is the orchestration core. It routes inbound requests,
// submits statements with optional singleton enforcement, and processes
// batches of completion notifications, matching each back to the adapter
// state recorded at submission and delivering the caller's callback.
//
// The store is the only state shared between engines. Completion handling
// is idempotent: a notification is acknowledged once MarkHandled records it,
// and redelivered copies short-circuit on the handled flag.
package engine
