// Package probe checks which operation types a rendering backend can execute
// before a job graph is submitted to it. The check is advisory: when the
// backend cannot be introspected the caller proceeds and lets submission
// report the problem.
package probe
