package reconnect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

type fakeConnector struct {
	mu        sync.Mutex
	calls     map[string]int
	fail      map[string]bool
	connected map[string]bool
	forced    int
	release   chan struct{}
	entered   chan string
}

func (f *fakeConnector) IsConnected(_, serverName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[serverName]
}

func (f *fakeConnector) GetConnection(ctx context.Context, req upstream.GetConnectionRequest) (*upstream.Connection, error) {
	f.mu.Lock()
	f.calls[req.ServerName]++
	if req.ForceNew {
		f.forced++
	}
	fail := f.fail[req.ServerName]
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- req.ServerName
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("HTTP 401 Unauthorized")
	}
	return upstream.NewConnection(req.ServerName, req.UserID, nil, nil), nil
}

func (f *fakeConnector) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fakeLister []string

func (f fakeLister) GetOAuthServers(context.Context, string) ([]string, error) { return f, nil }

type fakeTokens map[string]bool

func (f fakeTokens) GetTokens(_ context.Context, _ string, server string) (*oauth2.Token, error) {
	if f[server] {
		return &oauth2.Token{AccessToken: "at"}, nil
	}
	return nil, errors.New("no tokens")
}

func names(outcomes []Outcome) []string {
	var out []string
	for _, o := range outcomes {
		out = append(out, o.ServerName)
	}
	sort.Strings(out)
	return out
}

func TestReconnectServers(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{calls: map[string]int{}, fail: map[string]bool{"jira": true}}
	m := NewManager(conn, fakeLister{"github", "jira", "notion"}, fakeTokens{"github": true, "jira": true}, time.Minute, zaptest.NewLogger(t))

	outcomes, err := m.ReconnectServers(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "jira"}, names(outcomes), "servers without tokens are skipped")

	assert.False(t, m.IsReconnecting("alice", "github"))
	assert.False(t, m.HasFailed("alice", "github"), "success clears tracking")
	assert.True(t, m.HasFailed("alice", "jira"))

	t.Run("failed servers are suppressed until cleared", func(t *testing.T) {
		outcomes, err := m.ReconnectServers(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"github"}, names(outcomes))
		assert.Equal(t, 1, conn.count("jira"))

		m.Clear("alice", "jira")
		outcomes, err = m.ReconnectServers(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"github", "jira"}, names(outcomes))
	})
}

func TestConnectedServersAreLeftAlone(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{calls: map[string]int{}, fail: map[string]bool{}, connected: map[string]bool{"github": true}}
	m := NewManager(conn, fakeLister{"github", "notion"}, fakeTokens{"github": true, "notion": true}, time.Minute, zaptest.NewLogger(t))

	outcomes, err := m.ReconnectServers(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"notion"}, names(outcomes))
	assert.Zero(t, conn.count("github"), "a live connection is not replaced")
	assert.Equal(t, 1, conn.count("notion"))
	assert.Zero(t, conn.forced)
}

func TestNoDuplicateAttempts(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{
		calls:   map[string]int{},
		fail:    map[string]bool{},
		release: make(chan struct{}),
		entered: make(chan string, 1),
	}
	m := NewManager(conn, fakeLister{"github"}, fakeTokens{"github": true}, time.Minute, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.ReconnectServers(ctx, "alice")
	}()
	<-conn.entered
	assert.True(t, m.IsReconnecting("alice", "github"))

	outcomes, err := m.ReconnectServers(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, outcomes, "an in-flight attempt is not duplicated")
	assert.False(t, m.IsReconnecting("bob", "github"), "tracking is per user")

	close(conn.release)
	<-done
	assert.Equal(t, 1, conn.count("github"))
	assert.False(t, m.IsReconnecting("alice", "github"))
}

func TestStaleTrackingExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(nil, nil, nil, time.Minute, zaptest.NewLogger(t))
	m.now = func() time.Time { return now }

	require.True(t, m.claim(trackKey{"alice", "github"}))
	m.settle(trackKey{"alice", "jira"}, errors.New("boom"))
	assert.True(t, m.IsReconnecting("alice", "github"))

	now = now.Add(2 * time.Minute)
	assert.False(t, m.IsReconnecting("alice", "github"), "a wedged attempt is forgotten after the timeout")
	assert.Equal(t, 1, m.CleanupExpired())
	assert.False(t, m.HasFailed("alice", "jira"))
}
