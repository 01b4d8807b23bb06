// Package broker implements the Connection Supervisor component.
//
// The Connection Supervisor:
//   - Owns a single logical connection to the message broker
//   - Reconnects with a fixed delay after broker- or network-initiated loss
//   - Supervises Channel Workers and re-provisions their channels after
//     every reconnection
//   - Propagates broker flow-control (blocked/unblocked) to all workers
package broker
