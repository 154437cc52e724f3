package main

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpchat/internal/cli/output"
)

func newAuthCommand() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect and manage per-user OAuth authorization",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if userFlag == "" {
				return output.NewStructuredError(output.ErrCodeInvalidInput, "--user is required for auth commands")
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <server>",
		Short: "Show the user's flow, token and reconnection state for a server",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuthStatus,
	}
	logoutCmd := &cobra.Command{
		Use:   "logout <server>",
		Short: "Revoke and delete the user's tokens for a server",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuthLogout,
	}
	reconnectCmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Reconnect every OAuth server the user has credentials for",
		Args:  cobra.NoArgs,
		RunE:  runAuthReconnect,
	}

	authCmd.AddCommand(statusCmd, logoutCmd, reconnectCmd)
	return authCmd
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	status, err := client.OAuthStatus(cmd.Context(), args[0])
	if err != nil {
		return daemonError(err)
	}

	tokens, expired := "none", ""
	if status.Tokens != nil && status.Tokens.HasAccessToken {
		tokens = "present"
		expired = strconv.FormatBool(status.Tokens.Expired)
	}
	return printResult(cmd, status,
		[]string{"SERVER", "USER", "FLOW ACTIVE", "TOKENS", "EXPIRED", "RECONNECTING"},
		[][]string{{
			status.Server, status.User,
			strconv.FormatBool(status.Flow.Active),
			tokens, expired,
			strconv.FormatBool(status.Reconnecting),
		}})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	if err := client.DeleteTokens(cmd.Context(), args[0]); err != nil {
		return daemonError(err)
	}
	result := map[string]string{"server": args[0], "user": userFlag, "tokens": "deleted"}
	return printResult(cmd, result, []string{"SERVER", "USER", "TOKENS"}, [][]string{{args[0], userFlag, "deleted"}})
}

func runAuthReconnect(cmd *cobra.Command, _ []string) error {
	client, err := newDaemonClient(cmd)
	if err != nil {
		return err
	}
	results, err := client.Reconnect(cmd.Context())
	if err != nil {
		return daemonError(err)
	}

	rows := make([][]string, 0, len(results))
	failed := 0
	for _, r := range results {
		status := "connected"
		if r.Error != "" {
			status = r.Error
			failed++
		}
		rows = append(rows, []string{r.Server, status})
	}
	if err := printResult(cmd, results, []string{"SERVER", "RESULT"}, rows); err != nil {
		return err
	}
	if failed > 0 {
		return errors.New(strconv.Itoa(failed) + " server(s) failed to reconnect")
	}
	return nil
}
