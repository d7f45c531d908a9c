package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/internal/agent/config"
	"github.com/jiascheduler/jiascheduler/internal/agent/runtime"
	"github.com/jiascheduler/jiascheduler/internal/logging"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("config_invalid")
		os.Exit(1)
	}
	logging.Configure(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := runtime.New(cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("agent shutting down")
		cancel()
	}()

	agent.Run(ctx)
}
