package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/config"
	"github.com/rpggio/storyloom/internal/mcp"
	"github.com/rpggio/storyloom/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr in stdio mode to keep stdout clean for JSON-RPC.
	stdio := cfg.Transport.Mode == "stdio"
	logger, closeLog, err := app.NewLogger(cfg.Log, stdio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	mcpServer := mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Sessions:    a.Sessions,
			Screenplays: a.Screenplays,
			Activity:    a.Activity,
		},
		Logger:     logger,
		AllowPaths: stdio,
	})

	if stdio {
		err = runStdio(ctx, logger, mcpServer)
	} else {
		err = runHTTP(ctx, logger, mcpServer, a, cfg.Server)
	}
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func runStdio(ctx context.Context, logger *slog.Logger, mcpServer *sdkmcp.Server) error {
	logger.Info("starting stdio transport")
	// Run blocks until stdin closes or ctx is canceled.
	err := mcpServer.Run(ctx, &sdkmcp.StdioTransport{})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runHTTP(ctx context.Context, logger *slog.Logger, mcpServer *sdkmcp.Server, a *app.App, cfg config.ServerConfig) error {
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: 30 * time.Minute},
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           transport.NewRouter(mcpHandler, a.DB, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
