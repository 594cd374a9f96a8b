package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storefront-agent/internal/config"
	"storefront-agent/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "storefront-agent",
		Short:        "Storefront chat agent behind a signed app proxy",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	root.AddCommand(
		newServeCmd(&configPath),
		newLambdaCmd(&configPath),
		newSignCmd(&configPath),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newLambdaCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve API Gateway proxy events as a Lambda function",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			if err := checkShared(cfg); err != nil {
				logger.Error("refusing to start", zap.Error(err))
				return err
			}
			gin.SetMode(gin.ReleaseMode)
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("failed to build app", zap.Error(err))
				return err
			}
			lambda.Start(a.handler.Handle)
			return nil
		},
	}
}

func setup(configPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return config.Config{}, nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serve(parent context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build app", zap.Error(err))
		return err
	}
	defer a.close()
	go a.sweep(ctx, time.Minute)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
