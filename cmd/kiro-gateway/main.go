// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xilu0/kiro-gateway/internal/admin"
	"github.com/xilu0/kiro-gateway/internal/api"
	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/logging"
	"github.com/xilu0/kiro-gateway/internal/pool"
)

const gracefulTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	credentialsPath := flag.String("credentials", "", "path to the credentials file (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *credentialsPath != "" {
		cfg.CredentialsPath = *credentialsPath
	}

	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	logger.Info("starting Kiro gateway",
		"host", cfg.Host,
		"port", cfg.Port,
		"region", cfg.Region,
		"loadBalancingMode", cfg.LoadBalancingMode,
	)

	if cfg.CredentialsPath == "" {
		logger.Error("no credentials path configured")
		os.Exit(1)
	}

	creds, isMultiple, err := kiro.LoadCredentialsFile(cfg.CredentialsPath)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	logger.Info("credentials loaded", "count", len(creds), "multiFormat", isMultiple)

	var globalProxy *kiro.ProxyConfig
	if cfg.ProxyURL != "" {
		globalProxy = &kiro.ProxyConfig{
			URL:      cfg.ProxyURL,
			Username: cfg.ProxyUsername,
			Password: cfg.ProxyPassword,
		}
	}

	refresher := kiro.NewRefresher(kiro.RefresherOptions{
		Region:      cfg.Region,
		KiroVersion: cfg.KiroVersion,
		Proxy:       globalProxy,
		Logger:      logger,
	})
	usageClient := kiro.NewUsageClient(kiro.UsageClientOptions{
		Region:      cfg.Region,
		KiroVersion: cfg.KiroVersion,
		Proxy:       globalProxy,
		Logger:      logger,
	})

	credentialPool, err := pool.New(pool.Options{
		Credentials:      creds,
		CredentialsPath:  cfg.CredentialsPath,
		IsMultipleFormat: isMultiple,
		Mode:             cfg.LoadBalancingMode,
		KiroVersion:      cfg.KiroVersion,
		Refresher:        refresher,
		Usage:            usageClient,
		Logger:           logger,
		SaveMode:         cfg.SaveLoadBalancingMode,
	})
	if err != nil {
		logger.Error("failed to initialize credential pool", "error", err)
		os.Exit(1)
	}

	adminService := admin.NewService(admin.Options{
		Pool:            credentialPool,
		CredentialsPath: cfg.CredentialsPath,
		Logger:          logger,
	})

	router := api.NewRouter(api.Options{
		Config: cfg,
		Pool:   credentialPool,
		Admin:  adminService,
		Logger: logger,
	})

	// Pick up loadBalancingMode edits made directly to the config file.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	if err := cfg.Watch(watchCtx, logger, credentialPool.ApplyMode); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopWatch()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Flush any stats written since the last debounce window.
	credentialPool.Close()

	logger.Info("server stopped")
}
