// Package slave implements the remote worker process. It dials a
// coordinator listener, identifies itself and runs the tasks it receives on
// a bounded goroutine pool, one request outstanding per free slot.
package slave
