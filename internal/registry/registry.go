// Package registry holds tool server configurations in three tiers: shared
// app servers, shared servers that need per-user connections, and servers
// privately registered by a single user. Tiers are stored as namespaced JSON
// entries in a kvstore so every instance of a cluster sees the same view.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/kvstore"
)

var (
	ErrServerNotFound = errors.New("server not found")
	ErrServerExists   = errors.New("server already exists")
	ErrNotLeader      = errors.New("operation requires cluster leadership")
	ErrUserRequired   = errors.New("user id is required")
	ErrInvalidConfig  = errors.New("invalid server config")
)

// LeaderChecker is satisfied by *leader.Elector.
type LeaderChecker interface {
	IsLeader(ctx context.Context) bool
}

// Options configures a Registry.
type Options struct {
	KeyPrefix string
	// RequireLeaderForPrivateWrites rejects private-user writes on followers.
	RequireLeaderForPrivateWrites bool
}

// Registry is the server config registry.
type Registry struct {
	store   kvstore.Store
	leader  LeaderChecker
	opts    Options
	logger  *zap.Logger
	nowFunc func() time.Time

	hooksMu sync.RWMutex
	hooks   []PrivateChangeFunc
}

// PrivateChangeFunc is told about a private server that was replaced or removed.
type PrivateChangeFunc func(userID, name string)

// OnPrivateChange registers fn to run after a private registration changes.
func (r *Registry) OnPrivateChange(fn PrivateChangeFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Registry) privateChanged(userID, name string) {
	r.hooksMu.RLock()
	hooks := append([]PrivateChangeFunc(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(userID, name)
	}
}

// New creates a Registry over store. leader may be nil when private writes are unrestricted.
func New(store kvstore.Store, leader LeaderChecker, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		leader:  leader,
		opts:    opts,
		logger:  logger.Named("registry"),
		nowFunc: time.Now,
	}
}

func (r *Registry) tierPrefix(tier Tier, userID string) string {
	if tier == TierPrivateUser {
		return kvstore.Key(r.opts.KeyPrefix, "registry", string(tier), url.PathEscape(userID)) + "/"
	}
	return kvstore.Key(r.opts.KeyPrefix, "registry", string(tier)) + "/"
}

func (r *Registry) entryKey(tier Tier, userID, name string) string {
	return r.tierPrefix(tier, userID) + name
}

func (r *Registry) read(ctx context.Context, tier Tier, userID, name string) (*ServerEntry, error) {
	data, err := r.store.Get(ctx, r.entryKey(tier, userID, name))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", tier, name, err)
	}
	var entry ServerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", tier, name, err)
	}
	return &entry, nil
}

func (r *Registry) write(ctx context.Context, entry *ServerEntry) error {
	entry.UpdatedAt = r.nowFunc()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entry.Name(), err)
	}
	if err := r.store.Set(ctx, r.entryKey(entry.Tier, entry.OwnerID, entry.Name()), data, 0); err != nil {
		return fmt.Errorf("write %s/%s: %w", entry.Tier, entry.Name(), err)
	}
	return nil
}

func (r *Registry) list(ctx context.Context, tier Tier, userID string) ([]*ServerEntry, error) {
	items, err := r.store.List(ctx, r.tierPrefix(tier, userID))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", tier, err)
	}
	out := make([]*ServerEntry, 0, len(items))
	for key, data := range items {
		var entry ServerEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			r.logger.Warn("skipping undecodable registry entry", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// GetServerConfig looks name up in the shared-app, shared-user and (when userID
// is set) private-user tiers, returning the first match.
func (r *Registry) GetServerConfig(ctx context.Context, name, userID string) (*ServerEntry, error) {
	for _, tier := range []Tier{TierSharedApp, TierSharedUser, TierPrivateUser} {
		if tier == TierPrivateUser && userID == "" {
			break
		}
		entry, err := r.read(ctx, tier, userID, name)
		if errors.Is(err, ErrServerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
}

// GetAllServerConfigs merges every tier visible to userID. Earlier tiers shadow later ones.
func (r *Registry) GetAllServerConfigs(ctx context.Context, userID string) (map[string]*ServerEntry, error) {
	out := make(map[string]*ServerEntry)
	for _, tier := range []Tier{TierSharedApp, TierSharedUser, TierPrivateUser} {
		if tier == TierPrivateUser && userID == "" {
			break
		}
		entries, err := r.list(ctx, tier, userID)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if _, shadowed := out[entry.Name()]; !shadowed {
				out[entry.Name()] = entry
			}
		}
	}
	return out, nil
}

// GetOAuthServers returns the sorted names of visible servers that require OAuth.
func (r *Registry) GetOAuthServers(ctx context.Context, userID string) ([]string, error) {
	all, err := r.GetAllServerConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, entry := range all {
		if entry.RequiresOAuth() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// AppServers returns the shared-app tier.
func (r *Registry) AppServers(ctx context.Context) ([]*ServerEntry, error) {
	return r.list(ctx, TierSharedApp, "")
}

// Publish stores an inspected shared entry. The tier must be a shared one.
func (r *Registry) Publish(ctx context.Context, entry *ServerEntry) error {
	if entry == nil || entry.Config == nil {
		return errors.New("registry: empty entry")
	}
	if entry.Tier != TierSharedApp && entry.Tier != TierSharedUser {
		return fmt.Errorf("registry: cannot publish to tier %q", entry.Tier)
	}
	entry.OwnerID = ""
	if err := r.write(ctx, entry); err != nil {
		return err
	}
	r.logger.Debug("published server",
		zap.String("server", entry.Name()),
		zap.String("tier", string(entry.Tier)),
		zap.Bool("initialized", entry.Initialized),
		zap.Int("tools", len(entry.Tools)))
	return nil
}

// UpdateTools replaces the cached catalogue of the entry visible to userID.
func (r *Registry) UpdateTools(ctx context.Context, name, userID string, tools []Tool) (*ServerEntry, error) {
	entry, err := r.GetServerConfig(ctx, name, userID)
	if err != nil {
		return nil, err
	}
	entry.Tools = tools
	entry.Initialized = true
	entry.InspectError = ""
	if err := r.write(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reset clears both shared tiers. Private registrations survive.
func (r *Registry) Reset(ctx context.Context) error {
	for _, tier := range []Tier{TierSharedApp, TierSharedUser} {
		if err := r.store.DeletePrefix(ctx, r.tierPrefix(tier, "")); err != nil {
			return fmt.Errorf("reset %s: %w", tier, err)
		}
	}
	r.logger.Info("shared registry tiers reset")
	return nil
}

func (r *Registry) checkPrivateWrite(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	if r.opts.RequireLeaderForPrivateWrites && r.leader != nil && !r.leader.IsLeader(ctx) {
		return ErrNotLeader
	}
	return nil
}

func (r *Registry) privateEntry(userID, name string, cfg *config.ServerConfig) (*ServerEntry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing", ErrInvalidConfig)
	}
	cp := cfg.Clone()
	cp.Name = name
	cp.ApplyDefaults()
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &ServerEntry{Config: cp, Tier: TierPrivateUser, OwnerID: userID}, nil
}

// AddPrivateUserServer registers a server visible only to userID. Names already
// visible to the user from any tier are rejected.
func (r *Registry) AddPrivateUserServer(ctx context.Context, userID, name string, cfg *config.ServerConfig) error {
	if err := r.checkPrivateWrite(ctx, userID); err != nil {
		return err
	}
	entry, err := r.privateEntry(userID, name, cfg)
	if err != nil {
		return err
	}
	if _, err := r.GetServerConfig(ctx, name, userID); err == nil {
		return fmt.Errorf("%w: %s", ErrServerExists, name)
	} else if !errors.Is(err, ErrServerNotFound) {
		return err
	}
	if err := r.write(ctx, entry); err != nil {
		return err
	}
	r.logger.Info("private server added", zap.String("user_id", userID), zap.String("server", name))
	return nil
}

// UpdatePrivateUserServer replaces an existing private registration. Change
// hooks run after the write.
func (r *Registry) UpdatePrivateUserServer(ctx context.Context, userID, name string, cfg *config.ServerConfig) error {
	if err := r.checkPrivateWrite(ctx, userID); err != nil {
		return err
	}
	entry, err := r.privateEntry(userID, name, cfg)
	if err != nil {
		return err
	}
	if _, err := r.read(ctx, TierPrivateUser, userID, name); err != nil {
		return err
	}
	if err := r.write(ctx, entry); err != nil {
		return err
	}
	r.logger.Info("private server updated", zap.String("user_id", userID), zap.String("server", name))
	r.privateChanged(userID, name)
	return nil
}

// RemovePrivateUserServer deletes a private registration. Change hooks run
// after the delete.
func (r *Registry) RemovePrivateUserServer(ctx context.Context, userID, name string) error {
	if err := r.checkPrivateWrite(ctx, userID); err != nil {
		return err
	}
	if _, err := r.read(ctx, TierPrivateUser, userID, name); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, r.entryKey(TierPrivateUser, userID, name)); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	r.logger.Info("private server removed", zap.String("user_id", userID), zap.String("server", name))
	r.privateChanged(userID, name)
	return nil
}

// MarkUninitialized publishes cfg to a shared tier without a catalogue. The
// server is inspected lazily on first use.
func (r *Registry) MarkUninitialized(ctx context.Context, tier Tier, cfg *config.ServerConfig, cause error) error {
	entry := &ServerEntry{Config: cfg, Tier: tier}
	if cause != nil {
		entry.InspectError = cause.Error()
	}
	return r.Publish(ctx, entry)
}
