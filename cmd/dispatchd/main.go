package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"agent_dispatch/internal/bootstrap"
	"agent_dispatch/internal/config"
	"agent_dispatch/internal/logx"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "INI config file (environment variables take priority)")
	flag.Parse()

	// 1. Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromINI(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logger := logx.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Open stores and build services
	gin.SetMode(gin.ReleaseMode)
	app, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}
	defer app.Close()

	// 3. Serve until signalled
	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Error("server stopped with error")
		app.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}
