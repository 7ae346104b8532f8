// Package main is the entry point for the router core.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tars-project/router-core/internal/broker"
	"github.com/tars-project/router-core/internal/buildinfo"
	"github.com/tars-project/router-core/internal/config"
	"github.com/tars-project/router-core/internal/policy"
	"github.com/tars-project/router-core/internal/supervisor"
)

// Exit codes, matching the contract's decision table exactly.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBrokerError    = 2
	exitInvariantError = 3
)

func main() {
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	os.Exit(runServe())
}

func runServe() int {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting tarsrouter", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		return exitConfigError
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid LOG_LEVEL", "error", err)
		return exitConfigError
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	rules, err := policy.LoadRuleSet(cfg.PolicyRulesPath)
	if err != nil {
		logger.Error("failed to load policy rule set", "path", cfg.PolicyRulesPath, "error", err)
		return exitConfigError
	}

	sup := supervisor.New(cfg, logger, rules)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HandlerTimeout())
		defer shutdownCancel()
		sup.Shutdown(shutdownCtx)
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("supervisor failed", "error", err)
			if isBrokerError(err) {
				return exitBrokerError
			}
			return exitInvariantError
		}
	}

	logger.Info("tarsrouter stopped")
	return exitOK
}

func isBrokerError(err error) bool {
	return errors.Is(err, broker.ErrBrokerUnavailable) ||
		errors.Is(err, broker.ErrPublishFailed) ||
		errors.Is(err, broker.ErrSubscribeFailed)
}
