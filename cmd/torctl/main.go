// Package main provides a control utility for interacting with a running go-tor client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

// newRootCmd builds the torctl command tree: one subcommand per control
// operation, all funneling into the same executeCommand dispatcher the
// direct control-protocol tests exercise.
func newRootCmd() *cobra.Command {
	var controlAddr string

	root := &cobra.Command{
		Use:           "torctl",
		Short:         "Control utility for go-tor client",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("torctl version {{.Version}}\nControl utility for go-tor client\n")
	root.PersistentFlags().StringVar(&controlAddr, "control", "127.0.0.1:9051", "Control protocol address")

	run := func(name string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return executeCommand(name, controlAddr, args)
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "status", Short: "Show current client status", Args: cobra.NoArgs, RunE: run("status")},
		&cobra.Command{Use: "circuits", Short: "List active circuits", Args: cobra.NoArgs, RunE: run("circuits")},
		&cobra.Command{Use: "streams", Short: "List active streams", Args: cobra.NoArgs, RunE: run("streams")},
		&cobra.Command{Use: "info", Short: "Show detailed client information", Args: cobra.NoArgs, RunE: run("info")},
		&cobra.Command{Use: "config <key>", Short: "Get configuration value", Args: cobra.ExactArgs(1), RunE: run("config")},
		&cobra.Command{Use: "signal <signal>", Short: "Send signal to client (SHUTDOWN, RELOAD, etc.)", Args: cobra.ExactArgs(1), RunE: run("signal")},
		&cobra.Command{Use: "version", Short: "Show client version", Args: cobra.NoArgs, RunE: run("version")},
	)

	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func executeCommand(command, controlAddr string, args []string) error {
	// Validate arguments before connecting
	switch strings.ToLower(command) {
	case "config":
		if len(args) == 0 {
			return fmt.Errorf("config command requires a key argument")
		}
	case "signal":
		if len(args) == 0 {
			return fmt.Errorf("signal command requires a signal name")
		}
	case "status", "circuits", "streams", "info", "version":
		// These commands don't require arguments
	default:
		return fmt.Errorf("unknown command: %s", command)
	}

	// Connect to control port
	conn, err := connectControl(controlAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to control port: %w", err)
	}
	defer conn.Close()

	// Authenticate
	if err := authenticate(conn); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	// Execute specific command
	switch strings.ToLower(command) {
	case "status":
		return showStatus(conn)
	case "circuits":
		return listCircuits(conn)
	case "streams":
		return listStreams(conn)
	case "info":
		return showInfo(conn)
	case "config":
		return getConfig(conn, args[0])
	case "signal":
		return sendSignal(conn, args[0])
	case "version":
		return showVersion(conn)
	default:
		// Should never reach here due to validation above
		return fmt.Errorf("unknown command: %s", command)
	}
}

func connectControl(addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func authenticate(conn net.Conn) error {
	// Simple null authentication for now
	if _, err := fmt.Fprintf(conn, "AUTHENTICATE\r\n"); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	if !strings.HasPrefix(response, "250") {
		return fmt.Errorf("authentication failed: %s", strings.TrimSpace(response))
	}

	return nil
}

func sendCommand(conn net.Conn, command string) ([]string, error) {
	if _, err := fmt.Fprintf(conn, "%s\r\n", command); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	var lines []string
	
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		
		line = strings.TrimSpace(line)
		lines = append(lines, line)
		
		// Check for end of response
		if strings.HasPrefix(line, "250 ") {
			break
		}
		if strings.HasPrefix(line, "250-") {
			continue
		}
		if strings.HasPrefix(line, "5") {
			return lines, fmt.Errorf("command failed: %s", line)
		}
	}
	
	return lines, nil
}

func showStatus(conn net.Conn) error {
	fmt.Println("=== Tor Client Status ===")
	fmt.Println()

	// Get circuit count
	circuits, err := sendCommand(conn, "GETINFO circuit-status")
	if err != nil {
		return err
	}

	activeCircuits := 0
	for _, line := range circuits {
		if strings.HasPrefix(line, "250-") || strings.HasPrefix(line, "250+") {
			activeCircuits++
		}
	}

	fmt.Printf("Active Circuits: %d\n", activeCircuits)

	// Get stream count
	streams, err := sendCommand(conn, "GETINFO stream-status")
	if err != nil {
		return err
	}

	activeStreams := 0
	for _, line := range streams {
		if strings.HasPrefix(line, "250-") || strings.HasPrefix(line, "250+") {
			activeStreams++
		}
	}

	fmt.Printf("Active Streams: %d\n", activeStreams)

	// Get traffic stats
	traffic, err := sendCommand(conn, "GETINFO traffic/read traffic/written")
	if err == nil && len(traffic) > 0 {
		fmt.Println()
		fmt.Println("Traffic Statistics:")
		for _, line := range traffic {
			if strings.HasPrefix(line, "250-") {
				parts := strings.SplitN(line[4:], "=", 2)
				if len(parts) == 2 {
					fmt.Printf("  %s: %s bytes\n", parts[0], parts[1])
				}
			}
		}
	}

	fmt.Println()
	fmt.Println("Status: Running")
	
	return nil
}

func listCircuits(conn net.Conn) error {
	fmt.Println("=== Active Circuits ===")
	fmt.Println()

	circuits, err := sendCommand(conn, "GETINFO circuit-status")
	if err != nil {
		return err
	}

	if len(circuits) <= 1 {
		fmt.Println("No active circuits")
		return nil
	}

	for _, line := range circuits {
		if strings.HasPrefix(line, "250-circuit-status=") {
			line = strings.TrimPrefix(line, "250-circuit-status=")
		} else if strings.HasPrefix(line, "250+circuit-status=") {
			continue
		} else if strings.HasPrefix(line, "250 ") {
			break
		}
		
		// Parse circuit line format: ID STATUS PATH
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			fmt.Printf("Circuit %s: %s\n", parts[0], parts[1])
			if len(parts) >= 3 {
				fmt.Printf("  Path: %s\n", parts[2])
			}
		}
	}

	return nil
}

func listStreams(conn net.Conn) error {
	fmt.Println("=== Active Streams ===")
	fmt.Println()

	streams, err := sendCommand(conn, "GETINFO stream-status")
	if err != nil {
		return err
	}

	if len(streams) <= 1 {
		fmt.Println("No active streams")
		return nil
	}

	for _, line := range streams {
		if strings.HasPrefix(line, "250-stream-status=") {
			line = strings.TrimPrefix(line, "250-stream-status=")
		} else if strings.HasPrefix(line, "250+stream-status=") {
			continue
		} else if strings.HasPrefix(line, "250 ") {
			break
		}
		
		// Parse stream line
		parts := strings.Fields(line)
		if len(parts) >= 3 {
			fmt.Printf("Stream %s: %s -> %s\n", parts[0], parts[1], parts[2])
		}
	}

	return nil
}

func showInfo(conn net.Conn) error {
	fmt.Println("=== Tor Client Information ===")
	fmt.Println()

	// Get version
	version, err := sendCommand(conn, "GETINFO version")
	if err == nil && len(version) > 0 {
		for _, line := range version {
			if strings.Contains(line, "version=") {
				parts := strings.SplitN(line, "=", 2)
				if len(parts) == 2 {
					fmt.Printf("Version: %s\n", parts[1])
				}
			}
		}
	}

	// Get SOCKS port
	socksPort, err := sendCommand(conn, "GETINFO net/listeners/socks")
	if err == nil && len(socksPort) > 0 {
		fmt.Println()
		fmt.Println("Network Listeners:")
		for _, line := range socksPort {
			if strings.Contains(line, "net/listeners/socks=") {
				parts := strings.SplitN(line, "=", 2)
				if len(parts) == 2 {
					fmt.Printf("  SOCKS: %s\n", parts[1])
				}
			}
		}
	}

	// Get data directory
	dataDir, err := sendCommand(conn, "GETINFO config-file")
	if err == nil && len(dataDir) > 0 {
		fmt.Println()
		for _, line := range dataDir {
			if strings.Contains(line, "config-file=") {
				parts := strings.SplitN(line, "=", 2)
				if len(parts) == 2 {
					fmt.Printf("Config File: %s\n", parts[1])
				}
			}
		}
	}

	return nil
}

func getConfig(conn net.Conn, key string) error {
	response, err := sendCommand(conn, fmt.Sprintf("GETCONF %s", key))
	if err != nil {
		return err
	}

	fmt.Printf("Configuration: %s\n", key)
	fmt.Println()

	for _, line := range response {
		if strings.HasPrefix(line, "250-") || strings.HasPrefix(line, "250 ") {
			config := strings.TrimPrefix(line, "250-")
			config = strings.TrimPrefix(config, "250 ")
			fmt.Println(config)
		}
	}

	return nil
}

func sendSignal(conn net.Conn, signal string) error {
	signal = strings.ToUpper(signal)
	
	response, err := sendCommand(conn, fmt.Sprintf("SIGNAL %s", signal))
	if err != nil {
		return err
	}

	for _, line := range response {
		if strings.HasPrefix(line, "250") {
			fmt.Printf("Signal %s sent successfully\n", signal)
			return nil
		}
	}

	return fmt.Errorf("unexpected response")
}

func showVersion(conn net.Conn) error {
	response, err := sendCommand(conn, "GETINFO version")
	if err != nil {
		return err
	}

	for _, line := range response {
		if strings.Contains(line, "version=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				fmt.Println(parts[1])
				return nil
			}
		}
	}

	return fmt.Errorf("version information not found")
}
