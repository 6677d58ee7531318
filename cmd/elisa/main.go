package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"elisa/internal/client"
	"elisa/internal/config"
	"elisa/internal/logging"
	"elisa/internal/memory"
	"elisa/internal/server"
	"elisa/internal/wsclient"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "elisa",
		Short: "Agentic build orchestrator",
		Long: `Elisa turns a project specification into working code: it plans tasks,
dispatches coding agents, runs tests, deploys previews, and judges the
result, streaming progress over a WebSocket channel.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), attachCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("elisa version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		addr          string
		workspaceRoot string
		memoryPath    string
		logLevel      string
		dev           bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.Addr = addr
			}
			if workspaceRoot != "" {
				cfg.WorkspaceRoot = workspaceRoot
			}
			if memoryPath != "" {
				cfg.MemoryPath = memoryPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if dev {
				cfg.Dev = true
			}
			logging.Configure(logging.ParseLevel(cfg.LogLevel), os.Stderr)

			if cfg.APIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY is not set")
			}
			model, err := client.NewOpenAIClient(client.OpenAIConfig{
				APIKey:       cfg.APIKey,
				BaseURL:      cfg.BaseURL,
				Model:        cfg.Model,
				WorkshopCode: cfg.WorkshopCode,
				StudentID:    cfg.StudentID,
			})
			if err != nil {
				return fmt.Errorf("failed to create model client: %w", err)
			}

			memPath := memoryFile(cfg)
			if err := os.MkdirAll(filepath.Dir(memPath), 0o755); err != nil {
				return fmt.Errorf("failed to create memory directory: %w", err)
			}
			mem, err := memory.Open(memPath, cfg.MemoryMaxRecords)
			if err != nil {
				return fmt.Errorf("failed to open build memory: %w", err)
			}

			s := server.New(cfg, model, mem)
			defer s.Close()
			logging.Info("starting elisa", "version", version, "addr", cfg.Addr)
			return s.Listen(cfg.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default 127.0.0.1:8787)")
	cmd.Flags().StringVar(&workspaceRoot, "workspace-root", "", "root directory for session workspaces")
	cmd.Flags().StringVar(&memoryPath, "memory-path", "", "build memory file (default $HOME/.elisa/memory.json)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable the dev-only config endpoint")
	return cmd
}

func attachCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Stream a session's events to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			url := fmt.Sprintf("ws://%s/ws/session/%s", addr, args[0])
			enc := json.NewEncoder(os.Stdout)
			c := wsclient.New(url, func(frame map[string]any) {
				enc.Encode(frame)
			})
			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "server address")
	return cmd
}

// memoryFile resolves the build memory location, defaulting under the
// user's home directory.
func memoryFile(cfg config.Config) string {
	if cfg.MemoryPath != "" {
		return cfg.MemoryPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".elisa", "memory.json")
}
