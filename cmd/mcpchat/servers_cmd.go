package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpchat/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpchat/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat/internal/secret"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

var inspectTimeout time.Duration

func newServersCommand() *cobra.Command {
	serversCmd := &cobra.Command{
		Use:   "servers",
		Short: "List, inspect and test tool servers",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List servers known to the running daemon",
		Args:  cobra.NoArgs,
		RunE:  runServersList,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <name>",
		Short: "Connect to a configured server directly and print its catalogue",
		Long: `Connect to a server from the configuration file without a running daemon,
list its tools and print the result. Servers that require per-user
authorization report auth_required instead of tools.`,
		Args: cobra.ExactArgs(1),
		RunE: runServersInspect,
	}
	inspectCmd.Flags().DurationVar(&inspectTimeout, "timeout", 30*time.Second, "Inspection timeout")

	testCmd := &cobra.Command{
		Use:   "test <name>",
		Short: "Ask the running daemon to reconnect to a server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersTest,
	}

	serversCmd.AddCommand(listCmd, inspectCmd, testCmd)
	return serversCmd
}

func newDaemonClient(cmd *cobra.Command) (*cliclient.Client, error) {
	baseURL, err := resolveDaemonURL(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logs.SetupCommandLogger(commandLogLevel(cmd))
	if err != nil {
		return nil, err
	}
	return cliclient.NewClient(baseURL, userFlag, logger.Sugar()), nil
}

func commandLogLevel(cmd *cobra.Command) string {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		return level
	}
	return "warn"
}

func daemonError(err error) error {
	if cliclient.IsNotFound(err) {
		return output.NewStructuredError(output.ErrCodeServerNotFound, err.Error())
	}
	if strings.Contains(err.Error(), "failed to reach daemon") {
		return output.NewStructuredError(output.ErrCodeDaemonNotRunning, err.Error()).
			WithRecoveryCommand("mcpchat serve")
	}
	return output.FromError(err, output.ErrCodeOperationFailed)
}

func runServersList(cmd *cobra.Command, _ []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	servers, err := client.ListServers(cmd.Context())
	if err != nil {
		return daemonError(err)
	}

	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		status := "ready"
		switch {
		case s.InspectError != "":
			status = "error"
		case !s.Initialized && s.RequiresOAuth:
			status = "needs auth"
		case !s.Initialized:
			status = "pending"
		}
		rows = append(rows, []string{s.Name, string(s.Tier), s.Protocol, status, strconv.Itoa(len(s.Tools))})
	}
	return printResult(cmd, servers, []string{"NAME", "TIER", "PROTOCOL", "STATUS", "TOOLS"}, rows)
}

// InspectReport is the result of servers inspect.
type InspectReport struct {
	Server       string        `json:"server" yaml:"server"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version      string        `json:"version,omitempty" yaml:"version,omitempty"`
	Instructions string        `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	AuthRequired bool          `json:"auth_required" yaml:"auth_required"`
	Tools        []InspectTool `json:"tools" yaml:"tools"`
}

// InspectTool is one catalogue entry of InspectReport.
type InspectTool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

func runServersInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	server := findServer(cfg, args[0])
	if server == nil {
		return output.NewStructuredError(output.ErrCodeServerNotFound, fmt.Sprintf("server %q is not configured", args[0])).
			WithGuidance("Only shared servers from the configuration file can be inspected offline")
	}

	logger, err := logs.SetupCommandLogger(commandLogLevel(cmd))
	if err != nil {
		return err
	}
	manager := upstream.NewManager(nil, upstream.NewTransportFactory(upstream.FactoryOptions{
		Secrets: secret.NewResolver(),
		Logger:  logger,
	}), upstream.Options{}, logger)
	defer func() { _ = manager.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), inspectTimeout)
	defer cancel()
	inspection, err := manager.Inspect(ctx, server)
	if err != nil {
		return output.NewStructuredError(output.ErrCodeConnectionFailed, err.Error())
	}

	report := inspectReport(server.Name, inspection)
	rows := make([][]string, 0, len(report.Tools))
	for _, tool := range report.Tools {
		rows = append(rows, []string{tool.Name, firstLine(tool.Description)})
	}
	if report.AuthRequired {
		return printResult(cmd, report, []string{"SERVER", "AUTH"}, [][]string{{server.Name, "required"}})
	}
	return printResult(cmd, report, []string{"TOOL", "DESCRIPTION"}, rows)
}

func findServer(cfg *config.Config, name string) *config.ServerConfig {
	for _, s := range cfg.Servers {
		if s != nil && s.Name == name {
			return s
		}
	}
	return nil
}

func inspectReport(server string, in *upstream.Inspection) InspectReport {
	report := InspectReport{
		Server:       server,
		Name:         in.RemoteName,
		Version:      in.RemoteVersion,
		Instructions: in.Instructions,
		AuthRequired: in.AuthRequired,
		Tools:        make([]InspectTool, 0, len(in.Tools)),
	}
	for _, tool := range in.Tools {
		t := InspectTool{Name: tool.Name, Description: tool.Description}
		if len(tool.InputSchema) > 0 {
			_ = json.Unmarshal(tool.InputSchema, &t.InputSchema)
		}
		report.Tools = append(report.Tools, t)
	}
	return report
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func runServersTest(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	result, err := client.TestServer(cmd.Context(), args[0])
	if err != nil {
		return daemonError(err)
	}
	return printResult(cmd, result,
		[]string{"SERVER", "STATE", "TOOLS"},
		[][]string{{result.Server, result.Connection.State.String(), strconv.Itoa(result.Tools)}})
}
