package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// fakeStore embeds store.Store so tests only implement the methods a
// given scenario exercises; every other call panics if reached.
type fakeStore struct {
	store.Store
	byID        map[string]*model.Instance
	byGroup     map[int64][]*model.Instance
	byNamespace map[string][]*model.Instance
}

func (f *fakeStore) ListInstancesByIDs(ctx context.Context, ids []string) ([]*model.Instance, error) {
	var out []*model.Instance
	for _, id := range ids {
		if inst, ok := f.byID[id]; ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeStore) ListInstancesByGroup(ctx context.Context, gid int64) ([]*model.Instance, error) {
	return f.byGroup[gid], nil
}

func (f *fakeStore) ListInstancesByNamespace(ctx context.Context, ns string) ([]*model.Instance, error) {
	return f.byNamespace[ns], nil
}

func TestResolveTargets_DedupesAndFiltersOffline(t *testing.T) {
	online := &model.Instance{InstanceID: "i1", Status: model.InstanceOnline, Namespace: "prod"}
	offline := &model.Instance{InstanceID: "i2", Status: model.InstanceOffline, Namespace: "prod"}

	st := &fakeStore{
		byID:        map[string]*model.Instance{"i1": online, "i2": offline},
		byGroup:     map[int64][]*model.Instance{10: {online}},
		byNamespace: map[string][]*model.Instance{"prod": {online, offline}},
	}

	sel := model.TargetSelector{InstanceIDs: []string{"i1", "i2"}, GroupIDs: []int64{10}, Tag: "prod"}
	got, err := resolveTargets(context.Background(), st, sel)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].InstanceID)
}

func TestResolveTargets_Empty(t *testing.T) {
	st := &fakeStore{}
	got, err := resolveTargets(context.Background(), st, model.TargetSelector{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
