// Package task implements the durable background-task queue: the task record
// and its state machine, the storage contract both backends satisfy, the
// producer-facing Queue, the processor registry, and the polling Worker and
// Runner that execute tasks with bounded retries.
//
// A record moves pending -> processing -> completed, or back to pending while
// attempts remain, or to failed once they are exhausted. Completed and failed
// are terminal.
package task
