// Package dispatch provides the serialized executors handles are confined to.
//
// A Dispatcher owns one goroutine locked to an OS thread and runs tasks in
// submission order. Every task receives a context that marks it as running on
// that dispatcher; Check and Confined read the mark. The mark is only valid
// while the task runs, so a context leaked out of a task stops passing Check
// as soon as the task returns.
//
// A Pool is a fixed set of workers for background work. Tasks are routed by
// key, so work for one subscription or one database stays ordered without
// blocking unrelated keys.
//
// Future wraps a posted task so async callers can await its result.
package dispatch
