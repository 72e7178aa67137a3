package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCache_MissThenHit(t *testing.T) {
	s := NewStore(0, 0)
	require.NoError(t, s.CreateEntity(1))
	require.NoError(t, s.AttachComponent(1, posX, 1))

	qc := NewQueryCache(s, Persistent)

	got := qc.Query(posX)
	assert.ElementsMatch(t, []int{1}, got)
	assert.EqualValues(t, 1, qc.MissCount())

	got = qc.Query(posX)
	assert.ElementsMatch(t, []int{1}, got)
	assert.EqualValues(t, 1, qc.HitCount())
}

func TestQueryCache_PersistentInvalidatesOnWrite(t *testing.T) {
	s := NewStore(0, 0)
	require.NoError(t, s.CreateEntity(1))

	qc := NewQueryCache(s, Persistent)

	assert.Empty(t, qc.Query(posX))
	require.NoError(t, qc.AttachComponent(1, posX, 1))

	got := qc.Query(posX)
	assert.ElementsMatch(t, []int{1}, got)
}

func TestQueryCache_PerTickClearsOnBeginTick(t *testing.T) {
	s := NewStore(0, 0)
	require.NoError(t, s.CreateEntity(1))
	require.NoError(t, s.AttachComponent(1, posX, 1))

	qc := NewQueryCache(s, PerTick)

	assert.ElementsMatch(t, []int{1}, qc.Query(posX))
	assert.EqualValues(t, 1, qc.MissCount())

	qc.BeginTick()

	assert.ElementsMatch(t, []int{1}, qc.Query(posX))
	assert.EqualValues(t, 2, qc.MissCount())
}

func TestQueryCache_AttachComponents_InvalidatesEveryKey(t *testing.T) {
	s := NewStore(0, 0)
	require.NoError(t, s.CreateEntity(1))

	qc := NewQueryCache(s, Persistent)

	assert.Empty(t, qc.Query(posX))
	assert.Empty(t, qc.Query(posY))

	require.NoError(t, qc.AttachComponents(1, []ComponentKey{posX, posY}, []float32{1, 2}))

	assert.ElementsMatch(t, []int{1}, qc.Query(posX))
	assert.ElementsMatch(t, []int{1}, qc.Query(posY))
}
