// Command basilctl is the operator CLI for an already-running basild: it
// talks to basild's local diagnostics HTTP server rather than opening the
// SQLite file directly, since SQLite is configured for a single writer
// (store/sqlite.New caps the connection pool at one) and a second process
// touching the file concurrently would contend with the daemon. Grounded
// in cmd/slctl-style read-only operator subcommands (other_examples) for
// the subcommand shape, and server/cmd/seed's one-shot-operation CLI
// plumbing for the flag/output conventions.
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

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "basilctl",
		Short: "basilctl — operator CLI for a running basild daemon",
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOrDefault("BASILCTL_ADDR", "http://127.0.0.1:8799"), "basild diagnostics server base URL")

	root.AddCommand(newDiagnosticsCmd(&addr))
	root.AddCommand(newSyncCmd(&addr))
	root.AddCommand(newHealthCmd(&addr))
	root.AddCommand(newClearCacheCmd(&addr))

	return root
}

func newClearCacheCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Clear the local cache and outbox for the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postJSON(*addr + "/cache/clear")
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

func newDiagnosticsCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Print the daemon's diagnostics snapshot as indented JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getJSON(*addr + "/diagnostics")
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

func newSyncCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force an out-of-band sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postJSON(*addr + "/sync")
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

func newHealthCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getJSON(*addr + "/healthz")
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("contacting basild at %s: %w", url, err)
	}
	defer resp.Body.Close()
	return readEnvelope(resp)
}

func postJSON(url string) ([]byte, error) {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("contacting basild at %s: %w", url, err)
	}
	defer resp.Body.Close()
	return readEnvelope(resp)
}

func readEnvelope(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("basild returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func printIndented(body []byte) error {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	out, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
