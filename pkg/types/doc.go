// Package types defines the core data structures shared by the coordinator,
// the local worker pool and the remote worker process: commands, tasks,
// motion sequences, spatial dependencies and the observer surface.
package types
