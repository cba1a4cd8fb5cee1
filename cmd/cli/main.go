package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"safe-code-sandbox/internal/policy"
	"safe-code-sandbox/internal/sandbox"
)

var (
	serverURL string
	apiKey    string
	timeout   time.Duration
	modules   []string
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "CLI client for safe-code-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in the sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (server default when 0)")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (server default when 0)")
	root.AddCommand(execFileCmd)

	// Run locally without a server
	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute code with a local engine, no server required",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLocal,
	}
	runCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Execution timeout")
	runCmd.Flags().StringSliceVar(&modules, "modules", policy.DefaultModules(), "Modules the code may load")
	root.AddCommand(runCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	// Entry point for workers spawned by the local engine
	root.AddCommand(&cobra.Command{
		Use:    sandbox.WorkerArg,
		Hidden: true,
		Run: func(_ *cobra.Command, _ []string) {
			os.Exit(sandbox.WorkerMain())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func readSource(args []string) (string, error) {
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runExec(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return executeCode(args[0])
	}
	code, err := readSource(nil)
	if err != nil {
		return err
	}
	return executeCode(code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	code, err := readSource(args)
	if err != nil {
		return err
	}
	return executeCode(code)
}

func executeCode(code string) error {
	target := serverURL + "/execute"
	if timeout > 0 {
		target += "?timeout=" + url.QueryEscape(timeout.String())
	}

	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(code))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	result["status"] = resp.StatusCode

	// Pretty print
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	return nil
}

func runLocal(_ *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	code, err := readSource(args)
	if err != nil {
		return err
	}

	sup, err := sandbox.NewSupervisor(sandbox.SupervisorConfig{
		AllowedModules: modules,
		Limits: sandbox.Limits{
			DefaultTimeout: timeout,
			MaxTimeout:     timeout,
			MaxSourceBytes: 1 << 20,
			MaxOutputBytes: 1 << 20,
		},
	})
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := sup.Execute(ctx, code, timeout)
	if err != nil {
		return err
	}

	fmt.Println(res.Text)
	fmt.Fprintf(os.Stderr, "status %d (%s) in %s\n", res.Status, res.Kind, res.Duration.Round(time.Millisecond))
	if res.Status != sandbox.StatusOK {
		os.Exit(1)
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	req, _ := http.NewRequest(http.MethodGet, serverURL+"/executions", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
