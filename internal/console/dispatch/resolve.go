package dispatch

import (
	"context"

	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// resolveTargets expands a TargetSelector into concrete, online
// instances, adapted from the teacher's filter.go predicate-chain idiom
// (internal/master/scheduler/filter.go) but against instance rows
// instead of node capacity.
func resolveTargets(ctx context.Context, st store.Store, sel model.TargetSelector) ([]*model.Instance, error) {
	var out []*model.Instance
	seen := make(map[string]struct{})

	add := func(instances []*model.Instance) {
		for _, inst := range instances {
			if _, ok := seen[inst.InstanceID]; ok {
				continue
			}
			seen[inst.InstanceID] = struct{}{}
			out = append(out, inst)
		}
	}

	if len(sel.InstanceIDs) > 0 {
		instances, err := st.ListInstancesByIDs(ctx, sel.InstanceIDs)
		if err != nil {
			return nil, err
		}
		add(instances)
	}

	for _, gid := range sel.GroupIDs {
		instances, err := st.ListInstancesByGroup(ctx, gid)
		if err != nil {
			return nil, err
		}
		add(instances)
	}

	if sel.Tag != "" {
		// Tag selection has no dedicated tag table; namespace is the
		// closest grouping concept carried on Instance, so Tag matches
		// namespace. Extending this to a real tag table is future work,
		// not required by SPEC_FULL.md's present scope.
		instances, err := st.ListInstancesByNamespace(ctx, sel.Tag)
		if err != nil {
			return nil, err
		}
		add(instances)
	}

	return filterOnline(out), nil
}

// filterOnline drops instances whose row is not marked online. A
// dropped instance is never dispatched to and gets no dispatch_result
// entry; an instance still marked online but with no Comet route is
// recorded as dispatch_failed(not_connected) by dispatchOne and
// recordHistory instead.
func filterOnline(instances []*model.Instance) []*model.Instance {
	online := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == model.InstanceOnline {
			online = append(online, inst)
		}
	}
	return online
}
