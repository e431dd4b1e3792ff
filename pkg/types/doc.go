/*
Package types defines the data model shared by every other package in
this module: the Task a driver submits, the FileSpec list that
describes its dependencies, the queue's view of a connected Worker,
and the records a driver checkpoints to disk.

# Core types

  - Task: command line, file specs, and (once terminal) result/status/output.
  - FileSpec: one input or output, host-path or in-memory, cache or nocache.
  - WorkerInfo: the queue's bookkeeping for one connected worker.
  - Stats: a snapshot of the queue's waiting/running/complete counters.
  - CheckpointRecord: one (y, x, status) line of a driver's checkpoint log.
  - Event: a cluster-visible occurrence published on the event bus.

A Task is opaque to the driver from submit() until it comes back from
wait(); only the queue package mutates its terminal fields.
*/
package types
