package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/kvstore"
)

type fakeLeader struct{ leader bool }

func (f *fakeLeader) IsLeader(context.Context) bool { return f.leader }

func newTestRegistry(t *testing.T, opts Options, l LeaderChecker) *Registry {
	t.Helper()
	return New(kvstore.NewMemoryStore(), l, opts, zaptest.NewLogger(t))
}

func serverCfg(name string, oauth bool) *config.ServerConfig {
	return &config.ServerConfig{
		Name:          name,
		Protocol:      config.ProtocolStreamableHTTP,
		URL:           "https://" + name + ".example.com/mcp",
		RequiresOAuth: oauth,
	}
}

func TestLookupOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{KeyPrefix: "t"}, nil)

	require.NoError(t, r.AddPrivateUserServer(ctx, "u1", "shadow", serverCfg("shadow", false)))
	require.NoError(t, r.Publish(ctx, &ServerEntry{Config: serverCfg("shadow", true), Tier: TierSharedUser}))
	require.NoError(t, r.Publish(ctx, &ServerEntry{Config: serverCfg("shadow", false), Tier: TierSharedApp, Instructions: "app"}))

	entry, err := r.GetServerConfig(ctx, "shadow", "u1")
	require.NoError(t, err)
	assert.Equal(t, TierSharedApp, entry.Tier)
	assert.Equal(t, "app", entry.Instructions)

	all, err := r.GetAllServerConfigs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, TierSharedApp, all["shadow"].Tier)
}

func TestPrivateServersAreUserScoped(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{}, nil)

	require.NoError(t, r.AddPrivateUserServer(ctx, "u1", "mine", serverCfg("ignored", true)))

	entry, err := r.GetServerConfig(ctx, "mine", "u1")
	require.NoError(t, err)
	assert.Equal(t, TierPrivateUser, entry.Tier)
	assert.Equal(t, "mine", entry.Name())
	assert.Equal(t, "u1", entry.OwnerID)

	_, err = r.GetServerConfig(ctx, "mine", "u2")
	assert.ErrorIs(t, err, ErrServerNotFound)

	_, err = r.GetServerConfig(ctx, "mine", "")
	assert.ErrorIs(t, err, ErrServerNotFound)

	names, err := r.GetOAuthServers(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, names)
}

func TestPrivateServerLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{}, nil)

	err := r.UpdatePrivateUserServer(ctx, "u1", "x", serverCfg("x", false))
	assert.ErrorIs(t, err, ErrServerNotFound)

	require.NoError(t, r.AddPrivateUserServer(ctx, "u1", "x", serverCfg("x", false)))
	assert.ErrorIs(t, r.AddPrivateUserServer(ctx, "u1", "x", serverCfg("x", false)), ErrServerExists)

	updated := serverCfg("x", true)
	require.NoError(t, r.UpdatePrivateUserServer(ctx, "u1", "x", updated))
	entry, err := r.GetServerConfig(ctx, "x", "u1")
	require.NoError(t, err)
	assert.True(t, entry.RequiresOAuth())

	require.NoError(t, r.RemovePrivateUserServer(ctx, "u1", "x"))
	_, err = r.GetServerConfig(ctx, "x", "u1")
	assert.ErrorIs(t, err, ErrServerNotFound)
	assert.ErrorIs(t, r.RemovePrivateUserServer(ctx, "u1", "x"), ErrServerNotFound)
}

func TestPrivateChangeHooks(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{}, nil)
	var changed []string
	r.OnPrivateChange(func(userID, name string) { changed = append(changed, userID+":"+name) })

	require.NoError(t, r.AddPrivateUserServer(ctx, "u1", "x", serverCfg("x", false)))
	assert.Empty(t, changed)

	require.NoError(t, r.UpdatePrivateUserServer(ctx, "u1", "x", serverCfg("x", true)))
	assert.Equal(t, []string{"u1:x"}, changed)

	assert.ErrorIs(t, r.UpdatePrivateUserServer(ctx, "u2", "x", serverCfg("x", true)), ErrServerNotFound)
	require.NoError(t, r.RemovePrivateUserServer(ctx, "u1", "x"))
	assert.Equal(t, []string{"u1:x", "u1:x"}, changed)
}

func TestPrivateWriteValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{}, nil)

	assert.ErrorIs(t, r.AddPrivateUserServer(ctx, "", "x", serverCfg("x", false)), ErrUserRequired)

	bad := &config.ServerConfig{Protocol: config.ProtocolSSE}
	assert.ErrorIs(t, r.AddPrivateUserServer(ctx, "u1", "x", bad), ErrInvalidConfig)
	assert.ErrorIs(t, r.AddPrivateUserServer(ctx, "u1", "x", nil), ErrInvalidConfig)

	stdio := &config.ServerConfig{Command: "npx"}
	require.NoError(t, r.AddPrivateUserServer(ctx, "u1", "local", stdio))
	entry, err := r.GetServerConfig(ctx, "local", "u1")
	require.NoError(t, err)
	assert.Equal(t, config.ProtocolStdio, entry.Config.Protocol)
	assert.Empty(t, stdio.Protocol, "input config must not be mutated")
}

func TestPrivateWritesRequireLeader(t *testing.T) {
	ctx := context.Background()
	l := &fakeLeader{}
	r := newTestRegistry(t, Options{RequireLeaderForPrivateWrites: true}, l)

	assert.ErrorIs(t, r.AddPrivateUserServer(ctx, "u1", "x", serverCfg("x", false)), ErrNotLeader)

	l.leader = true
	assert.NoError(t, r.AddPrivateUserServer(ctx, "u1", "x", serverCfg("x", false)))
}

func TestResetKeepsPrivateTier(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{KeyPrefix: "t"}, nil)

	require.NoError(t, r.Publish(ctx, &ServerEntry{Config: serverCfg("a", false), Tier: TierSharedApp}))
	require.NoError(t, r.Publish(ctx, &ServerEntry{Config: serverCfg("b", true), Tier: TierSharedUser}))
	require.NoError(t, r.AddPrivateUserServer(ctx, "u1", "c", serverCfg("c", false)))

	require.NoError(t, r.Reset(ctx))

	all, err := r.GetAllServerConfigs(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "c")
}

func TestPublishRejectsPrivateTier(t *testing.T) {
	r := newTestRegistry(t, Options{}, nil)
	err := r.Publish(context.Background(), &ServerEntry{Config: serverCfg("a", false), Tier: TierPrivateUser})
	assert.Error(t, err)
}

func TestUpdateTools(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{}, nil)
	require.NoError(t, r.Publish(ctx, &ServerEntry{Config: serverCfg("a", false), Tier: TierSharedApp, InspectError: "timeout"}))

	entry, err := r.UpdateTools(ctx, "a", "", []Tool{{Name: "search"}})
	require.NoError(t, err)
	assert.True(t, entry.Initialized)
	assert.Empty(t, entry.InspectError)
	assert.True(t, entry.HasTool("search"))

	stored, err := r.GetServerConfig(ctx, "a", "")
	require.NoError(t, err)
	assert.Contains(t, stored.ToolFunctions(), "search_mcp_a")
}

func TestToolKey(t *testing.T) {
	key := ToolKey("get_issue", "git_hub")
	assert.Equal(t, "get_issue_mcp_git_hub", key)

	tool, server, ok := SplitToolKey(key)
	require.True(t, ok)
	assert.Equal(t, "get_issue", tool)
	assert.Equal(t, "git_hub", server)

	_, _, ok = SplitToolKey("no-delimiter")
	assert.False(t, ok)
	_, _, ok = SplitToolKey("_mcp_server")
	assert.False(t, ok)
}

func TestMarkUninitialized(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Options{KeyPrefix: "t"}, nil)

	require.NoError(t, r.MarkUninitialized(ctx, TierSharedApp, serverCfg("slow", false), errors.New("inspect timed out")))
	entry, err := r.GetServerConfig(ctx, "slow", "")
	require.NoError(t, err)
	assert.False(t, entry.Initialized)
	assert.Equal(t, "inspect timed out", entry.InspectError)
	assert.Empty(t, entry.Tools)
}
