package scheduler

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

// targetInstanceIDs resolves a selector down to bare instance ids for
// the daemon liveness check, without pulling in the dispatch package's
// online filter (a daemon's prior run is tracked by running_status
// regardless of whether the instance is currently reachable).
func targetInstanceIDs(ctx context.Context, st store.Store, sel model.TargetSelector) []string {
	ids := append([]string{}, sel.InstanceIDs...)
	for _, gid := range sel.GroupIDs {
		insts, err := st.ListInstancesByGroup(ctx, gid)
		if err != nil {
			continue
		}
		for _, inst := range insts {
			ids = append(ids, inst.InstanceID)
		}
	}
	if sel.Tag != "" {
		if insts, err := st.ListInstancesByNamespace(ctx, sel.Tag); err == nil {
			for _, inst := range insts {
				ids = append(ids, inst.InstanceID)
			}
		}
	}
	return ids
}

// bundleSteps resolves job.BundleScript into wire-ready BundleStep
// payloads, fetching each referenced eid's own job+executor snapshot.
// Empty for non-bundle jobs.
func bundleSteps(ctx context.Context, st store.Store, job *model.Job) []protocol.BundleStep {
	if job.JobType != model.JobTypeBundle || job.BundleScript == "" {
		return nil
	}

	var entries []model.BundleEntry
	if err := json.Unmarshal([]byte(job.BundleScript), &entries); err != nil {
		log.WithError(err).WithField("eid", job.Eid).Warn("scheduler: malformed bundle_script")
		return nil
	}

	steps := make([]protocol.BundleStep, 0, len(entries))
	for _, e := range entries {
		refJob, err := st.GetJobByEid(ctx, e.EidRef)
		if err != nil {
			log.WithError(err).WithField("eid_ref", e.EidRef).Warn("scheduler: unresolved bundle step, skipping")
			continue
		}
		refExecutor, err := st.GetExecutor(ctx, refJob.ExecutorID)
		if err != nil {
			log.WithError(err).WithField("eid_ref", e.EidRef).Warn("scheduler: unresolved bundle step executor, skipping")
			continue
		}

		args := refJob.Args
		if e.ArgsOverride != "" {
			args = e.ArgsOverride
		}
		steps = append(steps, protocol.BundleStep{
			EidRef:          e.EidRef,
			Executor:        refExecutor.Command,
			ReadFromStdin:   refExecutor.ReadCodeFromStdin,
			Code:            refJob.Code,
			Args:            args,
			ContinueOnError: e.ContinueOnError,
		})
	}
	return steps
}
