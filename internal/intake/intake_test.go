package intake

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb), mr
}

func TestRedis_DrainPendingResetsSlot(t *testing.T) {
	in, mr := setupRedis(t)
	ctx := context.Background()

	mr.HSet(HashKey, FieldPending, `[{"id":4},{"id":9}]`)

	ids, err := in.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 9}, ids)
	assert.Equal(t, "[]", mr.HGet(HashKey, FieldPending))

	ids, err = in.DrainPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = in.DrainPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRedis_DrainMissingSlot(t *testing.T) {
	in, _ := setupRedis(t)

	ids, err := in.DrainPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	reqs, err := in.DrainStop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestRedis_ProducerAppends(t *testing.T) {
	in, mr := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, in.EnqueuePending(ctx, 1, 2))
	require.NoError(t, in.EnqueuePending(ctx, 3))
	assert.JSONEq(t, `[{"id":1},{"id":2},{"id":3}]`, mr.HGet(HashKey, FieldPending))

	require.NoError(t, in.RequestStop(ctx, StopRequest{AssignmentID: 3, SlaveID: 8}))
	reqs, err := in.DrainStop(ctx)
	require.NoError(t, err)
	assert.Equal(t, []StopRequest{{AssignmentID: 3, SlaveID: 8}}, reqs)

	ids, err := in.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestRedis_MalformedSlot(t *testing.T) {
	in, mr := setupRedis(t)
	mr.HSet(HashKey, FieldStop, `{not json`)

	_, err := in.DrainStop(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "[]", mr.HGet(HashKey, FieldStop), "a bad slot is still cleared")
}

func TestRedis_DrainUpdatedSlaves(t *testing.T) {
	in, _ := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, in.MarkSlaveUpdated(ctx, 5, 6, 5))

	ids, err := in.DrainUpdatedSlaves(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{5, 6}, ids)

	ids, err = in.DrainUpdatedSlaves(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemory_Drains(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.EnqueuePending(ctx, 1))
	require.NoError(t, m.RequestStop(ctx, StopRequest{AssignmentID: 1, SlaveID: 2}))
	require.NoError(t, m.MarkSlaveUpdated(ctx, 2, 2))

	ids, _ := m.DrainPending(ctx)
	assert.Equal(t, []int64{1}, ids)
	ids, _ = m.DrainPending(ctx)
	assert.Empty(t, ids)

	reqs, _ := m.DrainStop(ctx)
	assert.Len(t, reqs, 1)

	updated, _ := m.DrainUpdatedSlaves(ctx)
	assert.Equal(t, []int64{2}, updated)
}

var (
	_ Intake   = (*Redis)(nil)
	_ Producer = (*Redis)(nil)
	_ Intake   = (*Memory)(nil)
	_ Producer = (*Memory)(nil)
)
