// Package backend owns the accelerator sessions (CPU, GPU, NPU) and the
// tensor buffers they run on.
//
// A Manager is an actor: one goroutine holds every session, the active-kind
// selection and the shared input/output buffers. Public operations enqueue a
// task on an unbounded queue; synchronous methods wait for the task, the
// *Async variants deliver results on a caller-chosen Executor. Readers that
// only need a view of the state (Status, AvailableKinds, Geometry) read a
// snapshot the worker republishes after every task.
//
// Per-worker CPU sessions for parallel tiling come from AcquirePool; each
// Runner in a pool is used by exactly one goroutine at a time.
package backend
