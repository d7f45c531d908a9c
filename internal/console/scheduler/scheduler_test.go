package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// fakeStore embeds store.Store so each test only implements the methods
// its scenario exercises; anything else panics if reached.
type fakeStore struct {
	store.Store
	job *model.Job
	rs  map[string]*model.RunningStatus
}

func (f *fakeStore) GetJobByEid(ctx context.Context, eid string) (*model.Job, error) {
	return f.job, nil
}

func (f *fakeStore) GetRunningStatus(ctx context.Context, eid string, st model.ScheduleType, instanceID string) (*model.RunningStatus, error) {
	return f.rs[instanceID], nil
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, backoffDelay(c.attempt), "attempt=%d", c.attempt)
	}
}

// TestFireDaemon_DoesNotResurrectKilledInstance guards the fix for
// spec.md §4.D's kill propagation (scenario S4): once Dispatcher.Kill
// has set running_status.schedule_status=stop, fireDaemon must not
// treat the instance as free to re-dispatch, even though run_status
// is also stop by then. disp is left nil deliberately: fireDaemon must
// return before ever touching it once it sees the stopped schedule.
func TestFireDaemon_DoesNotResurrectKilledInstance(t *testing.T) {
	st := &fakeStore{
		job: &model.Job{Eid: "e1", MaxRetry: 3},
		rs: map[string]*model.RunningStatus{
			"i1": {Eid: "e1", ScheduleType: model.ScheduleDaemon, InstanceID: "i1", RunStatus: model.RunStatusStop, ScheduleStatus: model.ScheduleStatusStop},
		},
	}
	s := &Scheduler{st: st, nextFire: make(map[int64]time.Time), backoff: make(map[int64]*daemonBackoff)}
	timer := &model.Timer{ID: 1, Eid: "e1"}

	require.NotPanics(t, func() {
		s.fireDaemon(context.Background(), timer, model.TargetSelector{InstanceIDs: []string{"i1"}})
	})
}
