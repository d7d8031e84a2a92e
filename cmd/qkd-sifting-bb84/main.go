// qkd-sifting-bb84 is the BB84 sifting module for a QKD post-processing
// pipeline. Turns raw detector event tables into sifted keys,
// optionally authenticating the public basis exchange with QAuth.
//
// Usage:
//
//	qkd-sifting-bb84 --role alice --config /etc/qkd/sifting-bb84.yaml
//	qkd-sifting-bb84 --role bob --qauth
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ait-qkd/sifting-bb84/internal/bb84"
	"github.com/ait-qkd/sifting-bb84/internal/config"
	"github.com/ait-qkd/sifting-bb84/internal/module"
	"github.com/ait-qkd/sifting-bb84/internal/randsrc"
	"github.com/ait-qkd/sifting-bb84/internal/telemetry"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config file")
	roleName := flag.String("role", "alice", "module role (alice/bob)")
	moduleID := flag.String("id", "", "module id (overrides config)")
	randomURL := flag.String("random-url", "", "random source url (overrides config)")
	qauthFlag := flag.Bool("qauth", false, "enable QAuth basis authentication")
	logLevel := flag.String("log-level", "", "log level (debug/info/warn/error)")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("qkd-sifting-bb84 %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *moduleID != "" {
		cfg.ModuleID = *moduleID
	}
	if *randomURL != "" {
		cfg.RandomURL = *randomURL
	}
	if *qauthFlag {
		cfg.QAuth = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Env overrides
	cfg.ApplyEnvOverrides()

	if cfg.ModuleID == "" {
		cfg.ModuleID = fmt.Sprintf("bb84-%d", os.Getpid())
	}

	var role module.Role
	switch *roleName {
	case "alice":
		role = module.RoleAlice
	case "bob":
		role = module.RoleBob
	default:
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: unknown role %q (valid: alice, bob)\n", *roleName)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG ERROR: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("qkd-sifting-bb84 starting",
		"version", Version,
		"module_id", cfg.ModuleID,
		"role", role.String(),
		"pipeline", cfg.Pipeline,
		"qauth", cfg.QAuth,
		"pqc_channel", cfg.PQCChannel,
	)

	rng, err := randsrc.NewFromURL(cfg.RandomURL)
	if err != nil {
		slog.Error("failed to open random source", "error", err)
		os.Exit(1)
	}

	mod, err := module.New(cfg, role, rng, nil)
	if err != nil {
		slog.Error("failed to initialize module", "error", err)
		os.Exit(1)
	}

	sifter, err := bb84.New(cfg, role, rng, mod.Stats())
	if err != nil {
		slog.Error("failed to initialize sifter", "error", err)
		os.Exit(1)
	}
	mod.SetHandler(sifter)

	if err := mod.Run(); err != nil {
		slog.Error("failed to start module", "error", err)
		os.Exit(1)
	}
	if err := mod.Resume(); err != nil {
		slog.Error("failed to resume module", "error", err)
		os.Exit(1)
	}

	// Periodic telemetry for the operator
	telem := telemetry.NewReporter(mod)
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for range t.C {
			m := telem.Collect()
			slog.Info("telemetry",
				"keys_in", m.KeysIn,
				"keys_out", m.KeysOut,
				"keys_in_per_sec", m.KeysInRate,
				"qauth_failures", m.QAuthFailures,
			)
		}
	}()

	// Wait for shutdown signal or self-termination
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for mod.State() != module.StateTerminated {
			time.Sleep(200 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		mod.Terminate()
	case <-done:
		slog.Info("module finished")
	}

	slog.Info("qkd-sifting-bb84 stopped")
}

func setupLogger(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	slog.SetDefault(slog.New(handler))
}
