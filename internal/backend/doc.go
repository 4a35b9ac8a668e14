// Package backend defines the statement backend client that the engine
// submits SQL to, along with the status, result and error types exchanged
// with backend implementations (Redshift Data API, in-process memory engine).
package backend
