package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/agent"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/statusapi"
	"github.com/sirupsen/logrus"
)

func main() {
	noAPI := flag.Bool("no-api", false, "Do not start the status API even when POS_STATUS_API_ENABLED is true")
	port := flag.String("port", "", "Status API port (default STATUS_API_PORT)")
	flag.Parse()

	logger := config.GetLogger()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.StatusAPIPort = *port
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	rt, err := agent.Build(sigCtx, cfg, logger)
	if err != nil {
		config.LogError(logger, "main", "agent.Build", "startup", nil, err)
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithFields(logrus.Fields{"field": "shutdown"}).Warn("close runtime: " + err.Error())
		}
	}()

	agentCtx, cancelAgent := context.WithCancel(sigCtx)
	defer cancelAgent()
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		rt.Agent.Run(agentCtx)
	}()

	var srv *http.Server
	serverErrCh := make(chan error, 1)
	if !*noAPI && config.StatusAPIEnabled() {
		api := &statusapi.Server{
			Repo:           rt.Repo,
			Runner:         rt.Agent,
			TerminalId:     cfg.TerminalId,
			BranchId:       cfg.BranchId,
			Token:          cfg.StatusAPIToken,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:         logger,
		}
		srv = api.NewHTTPServer(cfg.StatusAPIPort)
		go func() {
			serverErrCh <- srv.ListenAndServe()
		}()
	}

	logger.WithFields(logrus.Fields{
		"field":       "startup",
		"terminal_id": cfg.TerminalId,
		"branch_id":   cfg.BranchId,
		"status_api":  srv != nil,
		"storage":     cfg.StorageProvider,
	}).Info("pos sync agent started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("status api stopped unexpectedly: " + err.Error())
		}
	}

	// Stop scheduling first so no new run starts while in-flight ones finish.
	cancelAgent()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	select {
	case <-agentDone:
	case <-time.After(30 * time.Second):
		logger.WithFields(logrus.Fields{"field": "shutdown"}).Warn("timed out waiting for running operations")
	}
}
