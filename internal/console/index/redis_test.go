package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Index{rdb: rdb}
}

func TestRoute_SetGetDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	got, err := idx.GetRoute(ctx, "instance-1")
	require.NoError(t, err)
	require.Equal(t, "", got)

	require.NoError(t, idx.SetRoute(ctx, "instance-1", "comet-a", time.Minute))
	got, err = idx.GetRoute(ctx, "instance-1")
	require.NoError(t, err)
	require.Equal(t, "comet-a", got)

	require.NoError(t, idx.DeleteRoute(ctx, "instance-1"))
	got, err = idx.GetRoute(ctx, "instance-1")
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestRoute_ExpiresByTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := &Index{rdb: rdb}
	ctx := context.Background()

	require.NoError(t, idx.SetRoute(ctx, "instance-2", "comet-b", time.Second))
	mr.FastForward(2 * time.Second)

	got, err := idx.GetRoute(ctx, "instance-2")
	require.NoError(t, err)
	require.Equal(t, "", got)
}
