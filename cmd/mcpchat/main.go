package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/app"
	"github.com/smart-mcp-proxy/mcpchat/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

var (
	configFile   string
	outputFormat string
	daemonURL    string
	userFlag     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	upstream.ClientVersion = version
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		code := classifyError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != ExitCodeGeneralError {
			fmt.Fprintf(os.Stderr, "(%s)\n", exitCodeDescription(code))
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcpchat",
		Short:         "Chat tool-server orchestration: MCP connections, OAuth and streaming tool calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path")
	flags.StringP("data-dir", "d", "", "Data directory path (default: ~/.mcpchat)")
	flags.StringP("listen", "l", "", "HTTP listen address")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("instance-id", "", "Cluster instance id (default: random)")
	flags.String("cluster", "", "Cluster mode (single, postgres)")
	flags.StringVarP(&outputFormat, "output", "o", "", "Output format (table, json, yaml)")
	flags.StringVar(&daemonURL, "daemon-url", "", "Base URL of a running daemon (default: derived from listen)")
	flags.StringVarP(&userFlag, "user", "u", "", "User to act as against the daemon")

	rootCmd.AddCommand(
		newServeCommand(),
		newServersCommand(),
		newAuthCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and manage tool server connections",
		RunE:  runServe,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpchat %s\n", version)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, output.NewStructuredError(output.ErrCodeConfigInvalid, err.Error()).
			WithGuidance("Check the configuration file and MCPCHAT_* environment variables")
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(cfg.Logging, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting mcpchat",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("cluster_mode", cfg.Cluster.Mode),
		zap.Int("servers_count", len(cfg.Servers)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail fast on a taken port before any service starts.
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	_ = ln.Close()

	a, err := app.New(ctx, cfg, version, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// resolveDaemonURL returns --daemon-url, or the local address the daemon
// listens on according to the configuration.
func resolveDaemonURL(cmd *cobra.Command) (string, error) {
	if daemonURL != "" {
		return strings.TrimRight(daemonURL, "/"), nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return listenURL(cfg.Listen), nil
}

func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// printResult renders data with the selected formatter, using rows for tables.
func printResult(cmd *cobra.Command, data any, headers []string, rows [][]string) error {
	formatter, err := output.NewFormatter(output.ResolveFormat(outputFormat))
	if err != nil {
		return output.NewStructuredError(output.ErrCodeInvalidOutputFormat, err.Error()).
			WithGuidance("Use -o table, -o json, or -o yaml")
	}
	var text string
	if _, ok := formatter.(*output.TableFormatter); ok && headers != nil {
		text, err = formatter.FormatTable(headers, rows)
	} else {
		text, err = formatter.Format(data)
	}
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
