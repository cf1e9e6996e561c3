package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/willibrandon/pgward/internal/supervisor"
)

var (
	version = "dev"

	statusAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pgward",
		Short:   "PostgreSQL replication monitor and failover decision daemon",
		Version: version,
	}

	rootCmd.AddCommand(newRunCmd(), newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <config-path>",
		Short: "Run the daemon in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(args[0])
		},
	}
}

func runForeground(configPath string) error {
	s, err := supervisor.New(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	supervisor.Version = version

	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error starting daemon: %v\n", err)
		os.Exit(1)
	}

	<-s.Context().Done()
	s.Stop()
	return nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's /state.json endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(statusAddr)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:15000", "base address of the running daemon's status API")
	return cmd
}

func printStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/state.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error querying %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "daemon returned status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	var state map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}
