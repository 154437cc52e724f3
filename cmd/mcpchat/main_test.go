package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/smart-mcp-proxy/mcpchat/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpchat/internal/httpapi"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, outputFormat, daemonURL, userFlag = "", "", "", ""
	t.Setenv("MCPCHAT_DATA_DIR", t.TempDir())

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListenURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", listenURL(":8080"))
	assert.Equal(t, "http://127.0.0.1:8080", listenURL("0.0.0.0:8080"))
	assert.Equal(t, "http://10.0.0.5:9000", listenURL("10.0.0.5:9000"))
	assert.Equal(t, "http://[::1]:9000", listenURL("[::1]:9000"))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ExitCodeSuccess, classifyError(nil))
	assert.Equal(t, ExitCodeConfigError, classifyError(output.NewStructuredError(output.ErrCodeConfigInvalid, "bad")))
	assert.Equal(t, ExitCodePortConflict, classifyError(fmt.Errorf("listen: %w", syscall.EADDRINUSE)))
	assert.Equal(t, ExitCodeDBLocked, classifyError(fmt.Errorf("open: %w", bolterrors.ErrTimeout)))
	assert.Equal(t, ExitCodePermissionError, classifyError(fmt.Errorf("open: %w", syscall.EACCES)))
	assert.Equal(t, ExitCodeGeneralError, classifyError(assert.AnError))
	assert.Equal(t, "Configuration error", exitCodeDescription(ExitCodeConfigError))
}

func daemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/servers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpapi.Response{Success: true, Data: []httpapi.ServerSummary{
			{Name: "docs", Tier: "app", Protocol: "streamable-http", Initialized: true, Tools: []string{"search", "fetch"}},
			{Name: "notes", Tier: "user", Protocol: "sse", RequiresOAuth: true, Tools: []string{}},
		}})
	})
	mux.HandleFunc("/api/v1/users/bob/reconnect", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpapi.Response{Success: true, Data: []httpapi.ReconnectResult{
			{Server: "notes"},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServersListTable(t *testing.T) {
	srv := daemon(t)
	out, err := execute(t, "servers", "list", "--daemon-url", srv.URL, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `docs\s+app\s+streamable-http\s+ready\s+2`, out)
	assert.Regexp(t, `notes\s+user\s+sse\s+needs auth\s+0`, out)
}

func TestServersListJSON(t *testing.T) {
	srv := daemon(t)
	out, err := execute(t, "servers", "list", "--daemon-url", srv.URL, "-o", "json")
	require.NoError(t, err)

	var servers []httpapi.ServerSummary
	require.NoError(t, json.Unmarshal([]byte(out), &servers))
	require.Len(t, servers, 2)
	assert.Equal(t, "docs", servers[0].Name)
}

func TestServersListDaemonDown(t *testing.T) {
	srv := daemon(t)
	url := srv.URL
	srv.Close()

	_, err := execute(t, "servers", "list", "--daemon-url", url)
	var se output.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, output.ErrCodeDaemonNotRunning, se.Code)
}

func TestAuthRequiresUser(t *testing.T) {
	srv := daemon(t)
	_, err := execute(t, "auth", "reconnect", "--daemon-url", srv.URL)
	assert.ErrorContains(t, err, "--user is required")

	out, err := execute(t, "auth", "reconnect", "--daemon-url", srv.URL, "--user", "bob", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "server: notes")
}

func TestInvalidOutputFormat(t *testing.T) {
	srv := daemon(t)
	_, err := execute(t, "servers", "list", "--daemon-url", srv.URL, "-o", "xml")
	var se output.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, output.ErrCodeInvalidOutputFormat, se.Code)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mcpchat "+version+"\n", out)
}
