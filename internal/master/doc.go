// Package master implements the coordinator side of the engine: the
// WorkManager that turns commands into tasks and joins their results, the
// motion aggregator, the per-connection remote worker proxies with their
// listener threads, and the Coordinator that wires them to the local pool.
package master
