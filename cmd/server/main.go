package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger := cfg.Log.NewLogger()
	logger.WithFields(logrus.Fields{
		"tcp":  cfg.Server.TCPAddr,
		"http": cfg.Server.HTTPAddr,
	}).Info("starting chat server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, logger).Run(ctx); err != nil {
		logger.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}
