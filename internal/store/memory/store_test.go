package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/sealbase/internal/store"
)

func TestPut_IfAbsentSemantics(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "p", 1, []byte("a"), true))
	require.ErrorIs(t, s.Put(ctx, "p", 1, []byte("b"), true), store.ErrConflict)

	// unconditional overwrite
	require.NoError(t, s.Put(ctx, "p", 1, []byte("c"), false))
	got, err := s.Get(ctx, "p", 1)
	require.NoError(t, err)
	require.Equal(t, store.Item("c"), got)
}

func TestRange_OrderAndBounds(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, k := range []int64{5, 2, 9, 7} {
		require.NoError(t, s.Put(ctx, "p", k, []byte{byte(k)}, true))
	}

	recs, err := s.Range(ctx, "p", 3, 8)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(5), recs[0].Sort)
	require.Equal(t, int64(7), recs[1].Sort)

	all, err := s.Range(ctx, "p", 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, int64(2), all[0].Sort)
	require.Equal(t, int64(9), all[3].Sort)
}

func TestBatch_AllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "p", 2, []byte("taken"), true))

	err := s.Batch(ctx, []store.Op{
		{Partition: "p", Sort: 1, Item: []byte("a"), IfAbsent: true},
		{Partition: "p", Sort: 2, Item: []byte("b"), IfAbsent: true},
	})
	require.ErrorIs(t, err, store.ErrConditionFailed)

	// nothing from the failed batch is visible
	_, err = s.Get(ctx, "p", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestNextSeq_MonotonicPerPartition(t *testing.T) {
	s := New()
	ctx := context.Background()

	n1, err := s.NextSeq(ctx, "a")
	require.NoError(t, err)
	n2, err := s.NextSeq(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), n1)
	require.Equal(t, int64(2), n2)

	other, err := s.NextSeq(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, int64(1), other)
}

func TestDelete_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "p", 1, []byte("a"), true))
	require.NoError(t, s.Delete(ctx, "p", 1))
	require.NoError(t, s.Delete(ctx, "p", 1))
	_, err := s.Get(ctx, "p", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}
