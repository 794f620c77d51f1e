// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs a single task with a timeout and panic recovery. WorkerPool
// runs tasks on a fixed number of workers with a bounded buffer and a
// draining Shutdown; the audit recorder flushes through one. Batch fans a
// slice out over a temporary pool and collects every error; the retention
// engine evaluates record sets through it.
package async
