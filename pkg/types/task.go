package types

import (
	"fmt"
	"image"
	"time"
)

// TaskKind is the processing category of a command or task.
type TaskKind int

const (
	// TaskKindFilter produces an image from an image.
	TaskKindFilter TaskKind = iota
	// TaskKindMask produces a mask from an image.
	TaskKindMask
	// TaskKindMotion produces motion vectors from a pair of frames.
	TaskKindMotion
)

// TaskKinds lists every kind in dispatch priority order.
var TaskKinds = []TaskKind{TaskKindFilter, TaskKindMask, TaskKindMotion}

func (k TaskKind) String() string {
	switch k {
	case TaskKindFilter:
		return "filter"
	case TaskKindMask:
		return "mask"
	case TaskKindMotion:
		return "motion"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseTaskKind parses the textual form produced by String.
func ParseTaskKind(s string) (TaskKind, error) {
	switch s {
	case "filter":
		return TaskKindFilter, nil
	case "mask":
		return TaskKindMask, nil
	case "motion", "motion_recognition":
		return TaskKindMotion, nil
	default:
		return 0, fmt.Errorf("unknown task kind: %s", s)
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

const (
	// TaskStatusNotTaken means the task waits in the pending pool.
	TaskStatusNotTaken TaskStatus = iota
	// TaskStatusTaken means a worker owns the task.
	TaskStatusTaken
	// TaskStatusSuccessful means the task produced a result.
	TaskStatusSuccessful
	// TaskStatusFailed means the task produced an error.
	TaskStatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusNotTaken:
		return "not_taken"
	case TaskStatusTaken:
		return "taken"
	case TaskStatusSuccessful:
		return "successful"
	case TaskStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccessful || s == TaskStatusFailed
}

// Payload is the input of a task. Frames keep absolute coordinates: a
// fragment's bounds include its dependency margins, Region is the area the
// task is responsible for.
type Payload struct {
	Frames []*image.NRGBA
	Region image.Rectangle
}

// Result is the output of a successful task. Exactly one field is set,
// according to the task kind.
type Result struct {
	Image   *image.NRGBA
	Mask    *image.Gray
	Vectors *VectorField
}

// Empty reports whether the result carries no output.
func (r *Result) Empty() bool {
	return r == nil || (r.Image == nil && r.Mask == nil && r.Vectors == nil)
}

// Task is the unit handed to a worker.
type Task struct {
	ID                int64
	Kind              TaskKind
	PluginName        string
	Arguments         Arguments
	Status            TaskStatus
	SubPartsRemaining int

	// Parent is set on fragments of a split task. Splitting is one level deep.
	Parent *Task

	Payload Payload
	Result  *Result
	Err     error

	// Command is the request the task was materialized from.
	Command *Command

	// Motion and PairIndex are set on the top-level task of a frame pair.
	Motion    *Motion
	PairIndex int

	CreatedAt time.Time
}

// IsTopLevel reports whether the task is not a fragment of another task.
func (t *Task) IsTopLevel() bool {
	return t.Parent == nil
}

// Succeed stores the result and marks the task successful.
func (t *Task) Succeed(r *Result) {
	t.Result = r
	t.Err = nil
	t.Status = TaskStatusSuccessful
}

// Fail stores the error and marks the task failed.
func (t *Task) Fail(err error) {
	t.Err = err
	t.Status = TaskStatusFailed
}

func (t *Task) String() string {
	if t.Parent != nil {
		return fmt.Sprintf("task#%d(%s %s, part of #%d)", t.ID, t.Kind, t.PluginName, t.Parent.ID)
	}
	return fmt.Sprintf("task#%d(%s %s)", t.ID, t.Kind, t.PluginName)
}
