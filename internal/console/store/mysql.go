package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jiascheduler/jiascheduler/pkg/model"
)

// MySQLStore is a thin gorm wrapper, mirroring the teacher's
// EtcdManager{client} shape: one struct holding the driver handle, one
// method per Store operation.
type MySQLStore struct {
	db *gorm.DB
}

// Open connects to dsn and migrates every model in the schema (spec.md §6).
func Open(dsn string, logLevel gormlogger.LogLevel) (*MySQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("db_unavailable: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db_unavailable: %w", err)
	}
	sqlDB.SetMaxOpenConns(64)
	sqlDB.SetMaxIdleConns(16)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(
		&model.Executor{}, &model.Job{},
		&model.Instance{}, &model.InstanceGroup{}, &model.InstanceGroupMember{},
		&model.Timer{}, &model.RunningStatus{},
		&model.ExecHistory{}, &model.ScheduleHistory{},
		&model.Workflow{}, &model.WorkflowProcess{},
		&model.WorkflowProcessNode{}, &model.WorkflowProcessEdge{},
	); err != nil {
		return nil, fmt.Errorf("migration_failed: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry wraps component-local recoverable errors (deadlocks,
// transient connection loss) in bounded backoff, per spec.md §7's
// propagation policy for "component-local recoverable errors."
func withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
}

func (s *MySQLStore) GetExecutor(ctx context.Context, id int64) (*model.Executor, error) {
	var e model.Executor
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).First(&e, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *MySQLStore) GetJobByEid(ctx context.Context, eid string) (*model.Job, error) {
	var j model.Job
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("eid = ?", eid).First(&j).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("unknown_eid: %s", eid)
		}
		return nil, err
	}
	return &j, nil
}

func (s *MySQLStore) ListJobsByTeam(ctx context.Context, teamID int64, includePublic bool) ([]*model.Job, error) {
	var jobs []*model.Job
	q := s.db.WithContext(ctx)
	if includePublic {
		q = q.Where("team_id = ? OR is_public = ?", teamID, true)
	} else {
		q = q.Where("team_id = ?", teamID)
	}
	err := withRetry(ctx, func() error { return q.Find(&jobs).Error })
	return jobs, err
}

func (s *MySQLStore) GetInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	var inst model.Instance
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&inst).Error
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *MySQLStore) GetInstanceByMacIP(ctx context.Context, macAddr, ip string) (*model.Instance, error) {
	var inst model.Instance
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("mac_addr = ? AND ip = ?", macAddr, ip).First(&inst).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

func (s *MySQLStore) ListInstancesByIDs(ctx context.Context, instanceIDs []string) ([]*model.Instance, error) {
	var insts []*model.Instance
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("instance_id IN ?", instanceIDs).Find(&insts).Error
	})
	return insts, err
}

func (s *MySQLStore) ListInstancesByNamespace(ctx context.Context, namespace string) ([]*model.Instance, error) {
	var insts []*model.Instance
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("namespace = ?", namespace).Find(&insts).Error
	})
	return insts, err
}

func (s *MySQLStore) ListInstancesByGroup(ctx context.Context, groupID int64) ([]*model.Instance, error) {
	var insts []*model.Instance
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Joins("JOIN instance_group_member m ON m.instance_id = instance.instance_id").
			Where("m.instance_group_id = ?", groupID).
			Find(&insts).Error
	})
	return insts, err
}

func (s *MySQLStore) UpsertInstance(ctx context.Context, inst *model.Instance) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("mac_addr = ? AND ip = ?", inst.MacAddr, inst.IP).
			Assign(*inst).
			FirstOrCreate(inst).Error
	})
}

func (s *MySQLStore) MarkInstanceStatus(ctx context.Context, instanceID string, status model.InstanceStatus) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&model.Instance{}).
			Where("instance_id = ?", instanceID).
			Update("status", status).Error
	})
}

func (s *MySQLStore) ListActiveTimers(ctx context.Context) ([]*model.Timer, error) {
	var timers []*model.Timer
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("schedule_status = ?", model.ScheduleStatusScheduling).Find(&timers).Error
	})
	return timers, err
}

func (s *MySQLStore) UpsertTimer(ctx context.Context, t *model.Timer) error {
	return withRetry(ctx, func() error { return s.db.WithContext(ctx).Save(t).Error })
}

func (s *MySQLStore) GetRunningStatus(ctx context.Context, eid string, scheduleType model.ScheduleType, instanceID string) (*model.RunningStatus, error) {
	var rs model.RunningStatus
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("eid = ? AND schedule_type = ? AND instance_id = ?", eid, scheduleType, instanceID).
			First(&rs).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rs, nil
}

// UpsertRunningStatus is the single serialization point for the one
// shared piece of mutable state the core relies on (spec.md §9,
// "Concurrency control"). It is keyed by the (eid, schedule_type,
// instance_id) unique index, enforcing invariant 2 (spec.md §3).
func (s *MySQLStore) UpsertRunningStatus(ctx context.Context, rs *model.RunningStatus) error {
	rs.UpdatedAt = time.Now()
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("eid = ? AND schedule_type = ? AND instance_id = ?", rs.Eid, rs.ScheduleType, rs.InstanceID).
			Assign(*rs).
			FirstOrCreate(rs).Error
	})
}

func (s *MySQLStore) ListRunningByScheduleType(ctx context.Context, scheduleType model.ScheduleType) ([]*model.RunningStatus, error) {
	var rows []*model.RunningStatus
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("schedule_type = ?", scheduleType).Find(&rows).Error
	})
	return rows, err
}

func (s *MySQLStore) ListRunning(ctx context.Context) ([]*model.RunningStatus, error) {
	var rows []*model.RunningStatus
	err := withRetry(ctx, func() error { return s.db.WithContext(ctx).Find(&rows).Error })
	return rows, err
}

func (s *MySQLStore) CreateScheduleHistory(ctx context.Context, h *model.ScheduleHistory) error {
	return withRetry(ctx, func() error { return s.db.WithContext(ctx).Create(h).Error })
}

func (s *MySQLStore) GetScheduleHistory(ctx context.Context, scheduleID string) (*model.ScheduleHistory, error) {
	var h model.ScheduleHistory
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).First(&h).Error
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateExecHistory enforces invariant 3 (spec.md §3): every exec_history
// row references a schedule_history row, checked before insert.
func (s *MySQLStore) CreateExecHistory(ctx context.Context, h *model.ExecHistory) error {
	return withRetry(ctx, func() error {
		if _, err := s.GetScheduleHistory(ctx, h.ScheduleID); err != nil {
			return fmt.Errorf("exec_history references unknown schedule_id %s: %w", h.ScheduleID, err)
		}
		return s.db.WithContext(ctx).Create(h).Error
	})
}

func (s *MySQLStore) FinalizeExecHistory(ctx context.Context, scheduleID, instanceID, runID string, exitCode int, exitStatus model.ExitStatus, output string, truncated bool) error {
	now := time.Now()
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Model(&model.ExecHistory{}).
			Where("schedule_id = ? AND instance_id = ? AND run_id = ?", scheduleID, instanceID, runID).
			Updates(map[string]interface{}{
				"exit_code":   exitCode,
				"exit_status": exitStatus,
				"output":      output,
				"truncated":   truncated,
				"end_time":    &now,
			}).Error
	})
}

func (s *MySQLStore) GetReleasedWorkflow(ctx context.Context, workflowID int64) (*model.Workflow, error) {
	var wf model.Workflow
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("id = ? AND version_status = ?", workflowID, model.WorkflowReleased).
			First(&wf).Error
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *MySQLStore) CreateWorkflowProcess(ctx context.Context, p *model.WorkflowProcess) error {
	return withRetry(ctx, func() error { return s.db.WithContext(ctx).Create(p).Error })
}

func (s *MySQLStore) UpdateWorkflowProcess(ctx context.Context, p *model.WorkflowProcess) error {
	return withRetry(ctx, func() error { return s.db.WithContext(ctx).Save(p).Error })
}

func (s *MySQLStore) GetWorkflowProcess(ctx context.Context, processID string) (*model.WorkflowProcess, error) {
	var p model.WorkflowProcess
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("process_id = ?", processID).First(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MySQLStore) UpsertWorkflowProcessNode(ctx context.Context, n *model.WorkflowProcessNode) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("process_id = ? AND node_id = ?", n.ProcessID, n.NodeID).
			Assign(*n).
			FirstOrCreate(n).Error
	})
}

func (s *MySQLStore) ListWorkflowProcessNodes(ctx context.Context, processID string) ([]*model.WorkflowProcessNode, error) {
	var nodes []*model.WorkflowProcessNode
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("process_id = ?", processID).Find(&nodes).Error
	})
	return nodes, err
}

func (s *MySQLStore) CreateWorkflowProcessEdge(ctx context.Context, e *model.WorkflowProcessEdge) error {
	return withRetry(ctx, func() error { return s.db.WithContext(ctx).Create(e).Error })
}
