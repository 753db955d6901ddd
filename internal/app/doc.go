// Package app wires config, logging, storage, the recurrence manager and
// the runner into one process and keeps them in sync on config reloads.
package app
