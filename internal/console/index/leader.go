package index

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	log "github.com/sirupsen/logrus"
)

// leaseDuration is T_l from spec.md §5: "two Console replicas must not
// both evaluate the same timer (leader election via the shared index,
// lease T_l = 30 s)."
var leaseDuration = 30 * time.Second

const leaderLockName = "jiascheduler:scheduler-leader"

// Leader renews a redsync mutex in the background and reports whether
// this process currently holds the scheduler lease, grounded on
// hgg-6-pkgTool/lock/redisLock/redsyncx's SET NX PX + renewal idiom.
type Leader struct {
	rs     *redsync.Redsync
	mutex  *redsync.Mutex
	isLead chan bool
}

// NewLeader builds the lease mutex for holderID; Run drives the
// acquire/renew loop, and callers watch Changes() to react to
// transitions.
func NewLeader(idx *Index, holderID string) *Leader {
	pool := redsyncredis.NewPool(idx.Client())
	rs := redsync.New(pool)
	mutex := rs.NewMutex(leaderLockName,
		redsync.WithExpiry(leaseDuration),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return holderID, nil }),
	)

	l := &Leader{rs: rs, mutex: mutex, isLead: make(chan bool, 1)}
	return l
}

// Run drives the acquire/renew loop until ctx is cancelled. It only
// publishes leadership; nothing in this package forwards a follower's
// user commands to the leader.
func (l *Leader) Run(ctx context.Context) {
	ticker := time.NewTicker(leaseDuration / 3)
	defer ticker.Stop()

	held := false
	for {
		select {
		case <-ctx.Done():
			if held {
				l.mutex.Unlock()
			}
			return
		case <-ticker.C:
			if !held {
				if err := l.mutex.LockContext(ctx); err == nil {
					held = true
					log.Info("acquired scheduler leader lease")
					l.publish(true)
				}
				continue
			}
			if ok, err := l.mutex.ExtendContext(ctx); err != nil || !ok {
				held = false
				log.WithError(err).Warn("lost scheduler leader lease")
				l.publish(false)
			}
		}
	}
}

func (l *Leader) publish(isLeader bool) {
	select {
	case l.isLead <- isLeader:
	default:
		<-l.isLead
		l.isLead <- isLeader
	}
}

// Changes reports leadership transitions; the most recent value is
// always available (buffered 1, drained-and-replaced on publish).
func (l *Leader) Changes() <-chan bool { return l.isLead }
