// Package main implements the poolctl CLI for manual operations against the
// poold HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the poold HTTP server
	serverURL string
	// outputJSON prints raw API responses instead of tables
	outputJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poolctl",
	Short: "CLI for poold slot pool operations",
	Long: `poolctl is a command-line interface for interacting with the poold daemon.
It provides commands for reserving and releasing slots, inspecting slot state,
and running reconciliation audits.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9070", "poold server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output raw JSON responses")
	rootCmd.AddCommand(reserveCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(remediateCmd)
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check poold server health",
	Long: `Check the health status of the poold HTTP server.

Examples:
  # Check health
  poolctl health

  # Check health on a different server
  poolctl health --server http://localhost:8080`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := call(http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Printf("Server is %s\n", resp.Status)
	return nil
}

// call performs an HTTP request against the poold server and returns the
// response body. Non-2xx responses are surfaced with the server's message.
func call(method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach poold at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var httpErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &httpErr) == nil && httpErr.Message != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, httpErr.Message)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return raw, nil
}

// printRaw pretty-prints a raw JSON response.
func printRaw(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}
