package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/api"
	"github.com/Mindburn-Labs/ndagate/pkg/config"
	"github.com/Mindburn-Labs/ndagate/pkg/identity"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "sweep":
		return runSweep(stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: ndagate <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "  serve     run the HTTP API and the expiry sweep (default)")
	_, _ = fmt.Fprintln(w, "  migrate   create or update the database schema")
	_, _ = fmt.Fprintln(w, "  sweep     run one expiry sweep and exit")
	_, _ = fmt.Fprintln(w, "  health    probe a running server")
	_, _ = fmt.Fprintln(w, "  token     issue a bearer token: token -sub <principal> [-ttl 1h]")
}

func setupLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		return 1
	}
	auth, err := identity.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		logger.Error("JWT_SECRET is not usable", "error", err)
		return 1
	}

	a, err := newApp(ctx, cfg, policy)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	server, err := api.NewServer(a.svc)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	ipLimiter := api.NewIPRateLimiter(20, 40)
	idem := api.NewIdempotencyStore(24 * time.Hour)
	go ipLimiter.Cleanup(ctx)
	go idem.Cleanup(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(auth, api.Options{RateLimiter: ipLimiter, Idempotency: idem, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- a.scheduler.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ndagate listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
			exit = 1
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
		exit = 1
	}
	if err := <-sweepDone; err != nil {
		logger.Error("sweep loop", "error", err)
		exit = 1
	}
	_, _ = fmt.Fprintln(stdout, "ndagate stopped")
	return exit
}

func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, stderr)
	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "schema up to date")
	return 0
}

func runSweep(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		return 1
	}
	a, err := newApp(ctx, cfg, policy)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	report := a.scheduler.Sweep(ctx)
	for _, s := range report.Steps {
		_, _ = fmt.Fprintf(stdout, "%-20s candidates=%d transitioned=%d failed=%d\n",
			s.Step, s.Candidates, s.Transitioned, s.Failed)
	}
	if report.Failed() > 0 {
		return 1
	}
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "health endpoint (default http://localhost:$PORT/health)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *url == "" {
		*url = "http://localhost:" + config.Load().Port + "/health"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sub := fs.String("sub", "", "principal id")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sub == "" {
		_, _ = fmt.Fprintln(stderr, "token: -sub is required")
		return 2
	}
	cfg := config.Load()
	auth, err := identity.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	tok, err := auth.Issue(*sub, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
