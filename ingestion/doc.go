// Package ingestion applies semantic index updates off the request path.
//
// The Pipeline type owns two worker pools:
//   - an index pool with a single worker that applies queued product name
//     batches to the index one at a time, in submission order
//   - a task pool for other fire-and-forget maintenance such as TTL sweeps
//
// Submitting never waits for the work to run. Errors during background
// processing are logged and do not reach the submitter. Wait blocks until
// everything submitted so far has finished.
package ingestion
