package master

import (
	"github.com/AlexDorobantiu/CIPP-sub000/internal/worker"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// TaskScheduler is the part of the WorkManager a remote worker proxy uses.
type TaskScheduler interface {
	worker.TaskSource

	// ReassignTasks returns Taken tasks to NotTaken after a connection loss.
	ReassignTasks(tasks []*types.Task) int
}

var (
	_ TaskScheduler     = (*WorkManager)(nil)
	_ worker.TaskSource = (*WorkManager)(nil)
	_ types.Observer    = (*observerHub)(nil)
)
