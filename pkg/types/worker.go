package types

import "time"

// WorkerInfo describes a connected remote worker process.
type WorkerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Listener    string    `json:"listener"`
	ConnectedAt time.Time `json:"connected_at"`
}

// WorkerEventType is the kind of registry change.
type WorkerEventType string

const (
	// WorkerEventJoined is sent after a worker completed its handshake.
	WorkerEventJoined WorkerEventType = "joined"
	// WorkerEventLeft is sent after a worker connection ended.
	WorkerEventLeft WorkerEventType = "left"
)

// WorkerEvent is a registry change notification.
type WorkerEvent struct {
	Type      WorkerEventType `json:"type"`
	Worker    *WorkerInfo     `json:"worker"`
	Timestamp time.Time       `json:"timestamp"`
}
