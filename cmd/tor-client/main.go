// Package main provides the Tor client executable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-tor/pkg/client"
	"github.com/opd-ai/go-tor/pkg/config"
	"github.com/opd-ai/go-tor/pkg/logger"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

// cliFlags holds the command-line overrides parsed by cobra; zero values
// mean "not set" and leave whatever DefaultConfig/the config file chose.
type cliFlags struct {
	configFile  string
	socksPort   int
	dnsPort     int
	controlPort int
	dataDir     string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:           "tor-client",
		Short:         "Pure Go Tor client implementation",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), flags)
		},
	}
	cmd.SetVersionTemplate("go-tor version {{.Version}}\nPure Go Tor client implementation\n")

	cmd.Flags().StringVar(&flags.configFile, "config", "", "Path to configuration file (torrc or yaml format)")
	cmd.Flags().IntVar(&flags.socksPort, "socks-port", 0, "SOCKS5 proxy port (default: auto-detect or 9050)")
	cmd.Flags().IntVar(&flags.dnsPort, "dns-port", 0, "DNS resolution listener port (default: disabled)")
	cmd.Flags().IntVar(&flags.controlPort, "control-port", 0, "Control protocol port (default: 9051)")
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", "", "Data directory for persistent state (default: auto-detect)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, flags *cliFlags) error {
	cfg := config.DefaultConfig()
	if flags.configFile != "" {
		if err := config.Load(flags.configFile, cfg); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		fmt.Printf("[INFO] Using zero-configuration mode\n")
		fmt.Printf("[INFO] Data directory: %s\n", cfg.DataDirectory)
	}

	// Command-line flags take precedence over file/default configuration.
	if flags.socksPort != 0 {
		cfg.SocksPort = flags.socksPort
	}
	if flags.dnsPort != 0 {
		cfg.DNSPort = flags.dnsPort
	}
	if flags.controlPort != 0 {
		cfg.ControlPort = flags.controlPort
	}
	if flags.dataDir != "" {
		cfg.DataDirectory = flags.dataDir
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := logger.New(level, os.Stdout)

	log.Info("Starting go-tor",
		"version", version,
		"build_time", buildTime)
	log.Info("Configuration loaded",
		"socks_port", cfg.SocksPort,
		"control_port", cfg.ControlPort,
		"data_directory", cfg.DataDirectory,
		"log_level", cfg.LogLevel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if cfg.WatchConfiguration && flags.configFile != "" {
		rc := config.NewReloadableConfig(cfg, flags.configFile, nil)
		go func() {
			if err := rc.StartFSWatcher(ctx); err != nil {
				log.Warn("Configuration fs watcher stopped", "error", err)
			}
		}()
		log.Info("Watching configuration file for changes", "path", flags.configFile)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Application error", "error", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// run contains the main application logic
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Initializing Tor client...")

	torClient, err := client.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create Tor client: %w", err)
	}

	log.Info("Bootstrapping Tor network connection...")
	log.Info("This may take 30-60 seconds on first run")

	startTime := time.Now()
	if err := torClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start Tor client: %w", err)
	}
	bootstrapDuration := time.Since(startTime)

	stats := torClient.GetStats()
	log.Info("Connected to Tor network",
		"bootstrap_time", bootstrapDuration.Round(time.Second),
		"active_circuits", stats.ActiveCircuits)
	log.Info("SOCKS proxy available",
		"address", fmt.Sprintf("127.0.0.1:%d", stats.SocksPort),
		"url", fmt.Sprintf("socks5://127.0.0.1:%d", stats.SocksPort))
	log.Info("Configure your application to use the SOCKS5 proxy for anonymous connections")

	fmt.Println()
	fmt.Println("Example: Test with curl")
	fmt.Printf("  curl --socks5 127.0.0.1:%d https://check.torproject.org\n", stats.SocksPort)
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Info("Press Ctrl+C to exit")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("Context cancelled", "reason", ctx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("Initiating graceful shutdown...")

	if err := torClient.Stop(); err != nil {
		log.Warn("Error during shutdown", "error", err)
	}

	select {
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded, forcing exit")
		return shutdownCtx.Err()
	default:
	}

	return nil
}
