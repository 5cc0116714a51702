// Package sync implements one synchronization cycle of the forwarder.
//
// A cycle moves through the states
//
//	IDLE -> FETCHING -> CONVERTING -> DELIVERING -> COMMITTING -> IDLE
//
// and either commits the cursor to the newest source timestamp it delivered or
// leaves the cursor untouched. Failures are reported as a structured *Error that
// carries the state in which the cycle stopped.
//
// # Collaborators
//
//   - IndicatorSource: pages indicators out of MISP (see internal/misp)
//   - Ingester: delivers entity groups to SecOps (see internal/secops)
//   - cursor.Store: durable progress (see internal/cursor)
//
// Scheduling lives in the coordinator subpackage; a Loop never runs two cycles
// at once and has no timer of its own.
package sync
