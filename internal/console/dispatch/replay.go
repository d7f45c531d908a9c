package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// Replay reconstructs and resends a prior dispatch's exact payload
// under a fresh schedule_id/run_id, grounded on
// original_source/automate/src/scheduler persisting snapshot_data
// precisely so a schedule can be redispatched byte-for-byte
// (SPEC_FULL.md, "Schedule history replay").
func (d *Dispatcher) Replay(ctx context.Context, scheduleID string) ([]Result, error) {
	h, err := d.st.GetScheduleHistory(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("schedule_history %s not found: %w", scheduleID, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(h.SnapshotData), &snap); err != nil {
		return nil, fmt.Errorf("malformed snapshot_data for %s: %w", scheduleID, err)
	}

	var envelope replayEnvelope
	if h.DispatchData != "" {
		if err := json.Unmarshal([]byte(h.DispatchData), &envelope); err != nil {
			return nil, fmt.Errorf("malformed dispatch_data for %s: %w", scheduleID, err)
		}
	}

	sch := model.Schedule{
		ScheduleID:     uuid.NewString(),
		Eid:            h.Eid,
		Action:         h.Action,
		ScheduleType:   h.ScheduleType,
		TargetSelector: model.TargetSelector{InstanceIDs: envelope.InstanceIDs},
		RunID:          uuid.NewString(),
	}

	return d.Exec(ctx, sch, snap, envelope.Payload.BundleSteps)
}
