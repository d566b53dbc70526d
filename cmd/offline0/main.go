package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/logger"
	"offline0/internal/offline0"
)

func main() {
	log := logger.GetLogger()

	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.Parse()

	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		log.Fatalf("logging.level: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := offline0.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.WithError(err).Warn("close service")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// status streams never end on their own
	srv.RegisterOnShutdown(svc.Manager().Bridge().Close)

	go func() {
		log.WithFields(logrus.Fields{
			"addr":    addr,
			"api":     cfg.Server.APISource,
			"version": cfg.Cache.Version,
		}).Info("offline0 listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
