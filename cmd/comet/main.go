package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	cometconfig "github.com/jiascheduler/jiascheduler/internal/comet/config"
	"github.com/jiascheduler/jiascheduler/internal/comet/relay"
	"github.com/jiascheduler/jiascheduler/internal/console/index"
	"github.com/jiascheduler/jiascheduler/internal/logging"
)

func main() {
	cfg, err := cometconfig.Parse(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("config_invalid")
		os.Exit(1)
	}
	logging.Configure(cfg.Debug)

	idx, err := index.New(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("db_unavailable")
		os.Exit(1)
	}
	defer idx.Close()

	resolver := relay.NewHTTPIdentityResolver(cfg.ConsoleAddr)
	r := relay.New(cfg.CometID, cfg.Secret, resolver, idx)
	srv := relay.NewServer(r)

	httpSrv := &http.Server{Addr: cfg.Bind, Handler: srv.Handler()}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Infof("comet listening on %s", cfg.Bind)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("bind_failed")
			os.Exit(2)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("comet shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
}
