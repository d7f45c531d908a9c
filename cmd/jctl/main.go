// Command jctl is a thin operator client for the common console
// operations (SPEC_FULL.md §4.G): submit a once-schedule, kill a
// running schedule, tail exec-history output, list instances. It talks
// to the same store and dispatcher the console binary wires up rather
// than a separate admin API, so CLI and console never disagree on
// wire-shape (spec.md §4.F's model package is the single source of
// truth for both). Grounded on the teacher's cmd/titan-cli/main.go
// subcommand-plus-flag.Parse shape, moved onto pflag per SPEC_FULL.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	gormlogger "gorm.io/gorm/logger"

	consoleconfig "github.com/jiascheduler/jiascheduler/internal/console/config"
	"github.com/jiascheduler/jiascheduler/internal/console/dispatch"
	"github.com/jiascheduler/jiascheduler/internal/console/index"
	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "submit":
		runSubmit(args)
	case "kill":
		runKill(args)
	case "tail":
		runTail(args)
	case "instances":
		runInstances(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: jctl <submit|kill|tail|instances> [flags]")
}

func openStoreAndIndex(cfgPath string) (store.Store, *index.Index, error) {
	cfg, err := consoleconfig.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DatabaseURL, gormlogger.Warn)
	if err != nil {
		return nil, nil, err
	}
	idx, err := index.New(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return st, idx, nil
}

func runSubmit(args []string) {
	fs := pflag.NewFlagSet("submit", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", consoleconfig.DefaultPath, "path to console.toml")
	eid := fs.String("eid", "", "job eid to run")
	instanceIDs := fs.StringArray("instance", nil, "target instance_id (repeatable)")
	groupID := fs.Int64("group", 0, "target instance group id")
	tag := fs.String("tag", "", "target namespace/tag")
	fs.Parse(args)

	if *eid == "" {
		log.Fatal("--eid is required")
	}

	st, idx, err := openStoreAndIndex(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("jctl: failed to connect")
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := st.GetJobByEid(ctx, *eid)
	if err != nil {
		log.WithError(err).Fatalf("jctl: unknown eid %s", *eid)
	}
	executor, err := st.GetExecutor(ctx, job.ExecutorID)
	if err != nil {
		log.WithError(err).Fatal("jctl: unknown executor")
	}

	sch := model.Schedule{
		ScheduleID:   uuid.NewString(),
		Eid:          *eid,
		Action:       model.ActionExec,
		ScheduleType: model.ScheduleOnce,
		RunID:        uuid.NewString(),
		TargetSelector: model.TargetSelector{
			InstanceIDs: *instanceIDs,
			Tag:         *tag,
		},
	}
	if *groupID != 0 {
		sch.TargetSelector.GroupIDs = []int64{*groupID}
	}

	disp := dispatch.New(st, idx)
	results, err := disp.Exec(ctx, sch, model.Snapshot{Job: *job, Executor: *executor}, nil)
	if err != nil {
		log.WithError(err).Fatal("jctl: dispatch failed")
	}

	fmt.Printf("schedule_id: %s\n", sch.ScheduleID)
	for _, r := range results {
		status := "accepted"
		if !r.Accepted {
			status = "rejected(" + r.Reason + ")"
		}
		fmt.Printf("  %s: %s\n", r.InstanceID, status)
	}
}

func runKill(args []string) {
	fs := pflag.NewFlagSet("kill", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", consoleconfig.DefaultPath, "path to console.toml")
	eid := fs.String("eid", "", "job eid to kill")
	instanceIDs := fs.StringArray("instance", nil, "target instance_id (repeatable)")
	runID := fs.String("run-id", "", "kill only this run (default: every live run for eid)")
	fs.Parse(args)

	if *eid == "" {
		log.Fatal("--eid is required")
	}

	st, idx, err := openStoreAndIndex(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("jctl: failed to connect")
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sch := model.Schedule{
		ScheduleID:     uuid.NewString(),
		Eid:            *eid,
		Action:         model.ActionKill,
		ScheduleType:   model.ScheduleOnce,
		RunID:          *runID,
		TargetSelector: model.TargetSelector{InstanceIDs: *instanceIDs},
	}

	disp := dispatch.New(st, idx)
	results, err := disp.Kill(ctx, sch)
	if err != nil {
		log.WithError(err).Fatal("jctl: kill failed")
	}
	for _, r := range results {
		fmt.Printf("  %s: accepted=%v %s\n", r.InstanceID, r.Accepted, r.Reason)
	}
}

func runTail(args []string) {
	fs := pflag.NewFlagSet("tail", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", consoleconfig.DefaultPath, "path to console.toml")
	scheduleID := fs.String("schedule-id", "", "schedule_id to inspect")
	fs.Parse(args)

	if *scheduleID == "" {
		log.Fatal("--schedule-id is required")
	}

	st, idx, err := openStoreAndIndex(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("jctl: failed to connect")
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := st.GetScheduleHistory(ctx, *scheduleID)
	if err != nil {
		log.WithError(err).Fatal("jctl: schedule_history not found")
	}
	fmt.Printf("eid: %s  action: %s  type: %s\n", h.Eid, h.Action, h.ScheduleType)
	fmt.Printf("dispatch_result: %s\n", h.DispatchResult)
}

func runInstances(args []string) {
	fs := pflag.NewFlagSet("instances", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", consoleconfig.DefaultPath, "path to console.toml")
	namespace := fs.String("namespace", "default", "namespace to list")
	fs.Parse(args)

	st, idx, err := openStoreAndIndex(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("jctl: failed to connect")
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	instances, err := st.ListInstancesByNamespace(ctx, *namespace)
	if err != nil {
		log.WithError(err).Fatal("jctl: failed to list instances")
	}
	for _, inst := range instances {
		fmt.Printf("%s  %s  %s  %s\n", inst.InstanceID, inst.IP, inst.Namespace, inst.Status)
	}
}
