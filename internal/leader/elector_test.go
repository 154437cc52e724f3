package leader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat/internal/kvstore"
)

func newTestElector(t *testing.T, store kvstore.Store, id string) *Elector {
	t.Helper()
	e, err := New(Config{
		Store:         store,
		KeyPrefix:     "test",
		InstanceID:    id,
		LeaseDuration: 300 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		MinRetryDelay: 5 * time.Millisecond,
		MaxRetryDelay: 10 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSingleInstanceAlwaysLeader(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	assert.True(t, e.Single())
	assert.True(t, e.IsLeader(context.Background()))
	assert.Equal(t, StateLeader, e.State())
	assert.NoError(t, e.Resign(context.Background()))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Store: kvstore.NewMemoryStore()})
	assert.Error(t, err, "instance id required with a store")

	_, err = New(Config{
		Store:         kvstore.NewMemoryStore(),
		InstanceID:    "a",
		LeaseDuration: time.Second,
		RenewInterval: time.Second,
	})
	assert.Error(t, err)
}

func TestExactlyOneLeaderAmongRacers(t *testing.T) {
	store := kvstore.NewMemoryStore()
	const racers = 16

	electors := make([]*Elector, racers)
	for i := range electors {
		electors[i] = newTestElector(t, store, fmt.Sprintf("node-%d", i))
	}

	var leaders atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, e := range electors {
		wg.Add(1)
		go func(e *Elector) {
			defer wg.Done()
			<-start
			if e.IsLeader(context.Background()) {
				leaders.Add(1)
			}
		}(e)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), leaders.Load())

	var leaderStates int
	for _, e := range electors {
		if e.State() == StateLeader {
			leaderStates++
		} else {
			assert.Equal(t, StateFollower, e.State())
		}
	}
	assert.Equal(t, 1, leaderStates)
}

func TestResignAllowsImmediateReelection(t *testing.T) {
	store := kvstore.NewMemoryStore()
	a := newTestElector(t, store, "node-a")
	b := newTestElector(t, store, "node-b")
	ctx := context.Background()

	require.True(t, a.IsLeader(ctx))
	require.False(t, b.IsLeader(ctx))

	require.NoError(t, a.Resign(ctx))
	assert.Equal(t, StateFollower, a.State())

	started := time.Now()
	assert.True(t, b.IsLeader(ctx))
	assert.Less(t, time.Since(started), 300*time.Millisecond, "must not wait for lease expiry")
}

func TestRenewalKeepsLeaseBeyondDuration(t *testing.T) {
	store := kvstore.NewMemoryStore()
	a := newTestElector(t, store, "node-a")
	b := newTestElector(t, store, "node-b")
	ctx := context.Background()

	require.True(t, a.IsLeader(ctx))
	time.Sleep(700 * time.Millisecond)

	assert.True(t, a.IsLeader(ctx))
	assert.False(t, b.IsLeader(ctx))
}

func TestLeaseLossRevertsToFollower(t *testing.T) {
	store := kvstore.NewMemoryStore()
	var transitions []string
	var mu sync.Mutex

	a, err := New(Config{
		Store:         store,
		KeyPrefix:     "test",
		InstanceID:    "node-a",
		LeaseDuration: 300 * time.Millisecond,
		RenewInterval: 30 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
		OnStateChange: func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.True(t, a.IsLeader(ctx))

	// another instance takes over the key
	require.NoError(t, store.Set(ctx, kvstore.Key("test", leaseKeySuffix), []byte("node-b"), time.Minute))

	require.Eventually(t, func() bool {
		return a.State() == StateFollower
	}, time.Second, 10*time.Millisecond)

	assert.False(t, a.IsLeader(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "candidate->leader")
	assert.Contains(t, transitions, "leader->follower")
}

func TestResignDoesNotDeleteForeignLease(t *testing.T) {
	store := kvstore.NewMemoryStore()
	a := newTestElector(t, store, "node-a")
	ctx := context.Background()

	require.True(t, a.IsLeader(ctx))
	key := kvstore.Key("test", leaseKeySuffix)
	require.NoError(t, store.Set(ctx, key, []byte("node-b"), time.Minute))

	require.NoError(t, a.Resign(ctx))

	owner, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("node-b"), owner)
}

func TestRestartAdoptsOwnLease(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, kvstore.Key("test", leaseKeySuffix), []byte("node-a"), time.Minute))

	a := newTestElector(t, store, "node-a")
	assert.True(t, a.IsLeader(ctx))
}

func TestIsLeaderHonoursContext(t *testing.T) {
	store := kvstore.NewMemoryStore()
	a := newTestElector(t, store, "node-a")
	require.True(t, a.IsLeader(context.Background()))

	b, err := New(Config{
		Store:         store,
		KeyPrefix:     "test",
		InstanceID:    "node-b",
		LeaseDuration: 300 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		MinRetryDelay: time.Hour,
		MaxRetryDelay: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, b.IsLeader(ctx))
	assert.Equal(t, StateFollower, b.State())
}
