// Package batch runs an ordered list of items through a caller-supplied
// processor with bounded concurrency.
//
// A Queue moves through Idle -> Processing -> Completed | Cancelled, with
// Processing <-> Paused in between. Items move Pending -> Processing ->
// Completed | Failed | Cancelled, or straight from Pending to Cancelled when
// a run is cancelled or stopped on error. A finished queue must be cleared
// with ClearAll before it can run again.
//
// The package performs no I/O; everything domain specific lives in the
// Processor.
package batch
