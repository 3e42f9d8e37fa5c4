package master

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

func newMotion(id string, pairs int) *types.Motion {
	return &types.Motion{
		ID:                id,
		MissingVectorSets: pairs,
		VectorSets:        make([]*types.VectorField, pairs),
	}
}

func pairTask(m *types.Motion, index int, vectors *types.VectorField, err error) *types.Task {
	t := &types.Task{Kind: types.TaskKindMotion, Motion: m, PairIndex: index}
	if err != nil {
		t.Fail(err)
	} else {
		t.Succeed(&types.Result{Vectors: vectors})
	}
	return t
}

func TestAggregatorEmitsOnLastPair(t *testing.T) {
	a := NewMotionAggregator()
	m := newMotion("m1", 3)
	a.Add(m)
	assert.Equal(t, 1, a.Len())

	fields := make([]*types.VectorField, 3)
	for i := range fields {
		fields[i] = types.NewVectorField(image.Pt(0, 0), 2, 2)
	}

	for _, i := range []int{2, 0} {
		got, done := a.AddMotionVectors(pairTask(m, i, fields[i], nil))
		assert.False(t, done)
		assert.Nil(t, got)
	}

	got, done := a.AddMotionVectors(pairTask(m, 1, fields[1], nil))
	require.True(t, done)
	assert.Same(t, m, got)
	assert.Zero(t, got.MissingVectorSets)
	assert.NoError(t, got.Err)
	for i := range fields {
		assert.Same(t, fields[i], got.VectorSets[i])
	}
	assert.Zero(t, a.Len())

	_, done = a.AddMotionVectors(pairTask(m, 1, fields[1], nil))
	assert.False(t, done, "a finished motion is not emitted twice")
}

func TestAggregatorKeepsFirstError(t *testing.T) {
	a := NewMotionAggregator()
	m := newMotion("m2", 3)
	a.Add(m)

	first := errors.New("first")
	a.AddMotionVectors(pairTask(m, 0, nil, first))
	a.AddMotionVectors(pairTask(m, 1, nil, errors.New("second")))
	got, done := a.AddMotionVectors(pairTask(m, 2, types.NewVectorField(image.Pt(0, 0), 1, 1), nil))

	require.True(t, done)
	assert.ErrorIs(t, got.Err, first)
	assert.Nil(t, got.VectorSets[0])
	assert.NotNil(t, got.VectorSets[2])
}

func TestAggregatorIgnoresUnknownAndInvalid(t *testing.T) {
	a := NewMotionAggregator()
	m := newMotion("m3", 1)

	_, done := a.AddMotionVectors(pairTask(m, 0, types.NewVectorField(image.Pt(0, 0), 1, 1), nil))
	assert.False(t, done, "motion was never added")

	a.Add(m)
	_, done = a.AddMotionVectors(pairTask(m, 5, nil, nil))
	assert.False(t, done)
	_, done = a.AddMotionVectors(&types.Task{Kind: types.TaskKindMotion})
	assert.False(t, done)
	assert.Equal(t, 1, m.MissingVectorSets)

	a.Clear()
	assert.Zero(t, a.Len())
}
