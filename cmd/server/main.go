// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the branchlens server.
// The server sits between an editor host and an LLM completion provider,
// exposing token-level completion exploration: entropy visualization,
// alternative-token previews, splice-based regeneration, and a navigable
// history of completion variants.
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
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/branchlens/internal/api"
	"github.com/traylinx/branchlens/internal/buildinfo"
	"github.com/traylinx/branchlens/internal/config"
	"github.com/traylinx/branchlens/internal/logging"
	"github.com/traylinx/branchlens/internal/provider"
	"github.com/traylinx/branchlens/internal/session"
	"github.com/traylinx/branchlens/internal/splice"
	"github.com/traylinx/branchlens/internal/wsgateway"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// main is the entry point of the application.
// It parses command-line flags, loads configuration, and starts the API
// server with the WebSocket view gateway.
func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("branchlens Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsMaxTotalSizeMB); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		gin.SetMode(gin.DebugMode)
	} else {
		log.SetLevel(log.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	log.Infof("branchlens Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	log.Infof("completion model: %s, explanation model: %s", cfg.ModelID, cfg.ExplanationModel())

	client := provider.NewClient(cfg.BaseURL, cfg.APIKey, cfg.ExplanationModel(), cfg.ContextWindow)
	engine := splice.NewEngine(client, splice.Config{
		Model:       cfg.ModelID,
		MaxTokens:   cfg.MaxTokens,
		Candidates:  cfg.ResampleCandidates,
		Temperature: cfg.ResampleTemperature,
		TopK:        cfg.ResampleTopK,
	})
	controller := session.NewController(client, engine, session.Config{
		Model:             cfg.ModelID,
		MaxTokens:         cfg.MaxTokens,
		AlternativeBudget: cfg.AlternativeBudget,
	})

	gateway := wsgateway.NewManager(wsgateway.Options{
		Path:      "/v1/ws",
		LogDebugf: log.Debugf,
		LogInfof:  log.Infof,
		LogWarnf:  log.Warnf,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	server := api.NewServer(controller, gateway)
	server.RegisterRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
	})

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("listening on %s", addr)
		if errServe := httpServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("server error: %v", errServe)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gateway.Close()
	if err = httpServer.Shutdown(ctx); err != nil {
		log.Errorf("forced shutdown: %v", err)
	}
	log.Info("server stopped")
}
