package master

import (
	"errors"
	"fmt"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// MotionAggregator holds the motions whose frame pairs are still in flight.
// It has no lock of its own: the WorkManager calls it under its mutex.
type MotionAggregator struct {
	active map[string]*types.Motion
}

// NewMotionAggregator creates an empty aggregator.
func NewMotionAggregator() *MotionAggregator {
	return &MotionAggregator{active: make(map[string]*types.Motion)}
}

// Add registers a motion.
func (a *MotionAggregator) Add(m *types.Motion) {
	a.active[m.ID] = m
}

// AddMotionVectors records the outcome of a top-level pair task. It returns
// the motion once its last pair arrived; the motion is then removed.
func (a *MotionAggregator) AddMotionVectors(pair *types.Task) (*types.Motion, bool) {
	m := pair.Motion
	if m == nil {
		return nil, false
	}
	if _, ok := a.active[m.ID]; !ok {
		return nil, false
	}
	if pair.PairIndex < 0 || pair.PairIndex >= len(m.VectorSets) {
		return nil, false
	}

	if pair.Status == types.TaskStatusSuccessful && pair.Result != nil && pair.Result.Vectors != nil {
		m.VectorSets[pair.PairIndex] = pair.Result.Vectors
	} else {
		cause := pair.Err
		if cause == nil {
			cause = errors.New("no vectors produced")
		}
		if m.Err == nil {
			m.Err = fmt.Errorf("frames %d-%d: %w", pair.PairIndex, pair.PairIndex+1, cause)
		}
	}

	m.MissingVectorSets--
	if m.MissingVectorSets > 0 {
		return nil, false
	}
	delete(a.active, m.ID)
	return m, true
}

// Len returns the number of motions in flight.
func (a *MotionAggregator) Len() int {
	return len(a.active)
}

// Clear forgets every motion.
func (a *MotionAggregator) Clear() {
	clear(a.active)
}
