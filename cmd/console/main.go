package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	gormlogger "gorm.io/gorm/logger"

	consoleconfig "github.com/jiascheduler/jiascheduler/internal/console/config"
	"github.com/jiascheduler/jiascheduler/internal/console/dispatch"
	"github.com/jiascheduler/jiascheduler/internal/console/identity"
	"github.com/jiascheduler/jiascheduler/internal/console/index"
	"github.com/jiascheduler/jiascheduler/internal/console/scheduler"
	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/internal/console/workflow"
	"github.com/jiascheduler/jiascheduler/internal/logging"
)

func main() {
	cfgPath := pflag.StringP("config", "c", consoleconfig.DefaultPath, "path to console.toml")
	pflag.Parse()

	cfg, err := consoleconfig.Load(*cfgPath)
	if err != nil {
		log.WithError(err).Fatal("config_invalid")
		os.Exit(1)
	}
	if cfg.BindAddr == "" || cfg.DatabaseURL == "" {
		log.Fatal("config_invalid: bind_addr and database_url are required")
	}
	logging.Configure(cfg.Debug)

	logLevel := gormlogger.Warn
	if cfg.Debug {
		logLevel = gormlogger.Info
	}
	st, err := store.Open(cfg.DatabaseURL, logLevel)
	if err != nil {
		log.WithError(err).Fatal("db_unavailable")
		os.Exit(3)
	}

	idx, err := index.New(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("db_unavailable")
		os.Exit(3)
	}
	defer idx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := index.NewLeader(idx, uuid.NewString())
	go leader.Run(ctx)

	disp := dispatch.New(st, idx)
	wfEvaluator := workflow.New(st, disp)
	sched := scheduler.New(st, disp, leader, wfEvaluator)
	go sched.Run(ctx)

	resolver := identity.NewResolver(st)
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/resolve_identity", resolver.ServeHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	httpSrv := &http.Server{Addr: cfg.BindAddr, Handler: mux}

	go func() {
		log.Infof("console listening on %s", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("bind_failed")
			os.Exit(2)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("console shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
}
