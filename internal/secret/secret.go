// Package secret expands ${type:name} references in server configurations.
// Supported types are env (process environment) and keyring (OS keychain via
// go-keyring). References are expanded when a transport or OAuth client is
// built, so the cluster store only ever holds the references.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

const (
	TypeEnv     = "env"
	TypeKeyring = "keyring"

	// KeyringService is the keychain service secrets are stored under.
	KeyringService = "mcpchat"
)

var refRe = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// ErrNotFound is returned when a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Ref is one ${type:name} reference.
type Ref struct {
	Type     string
	Name     string
	Original string
}

// FindRefs returns every reference in s in order of appearance.
func FindRefs(s string) []Ref {
	matches := refRe.FindAllStringSubmatch(s, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{
			Type:     strings.TrimSpace(m[1]),
			Name:     strings.TrimSpace(m[2]),
			Original: m[0],
		})
	}
	return refs
}

// IsRef reports whether s contains a reference.
func IsRef(s string) bool {
	return refRe.MatchString(s)
}

// Provider resolves references of one type.
type Provider interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, name string) (string, error)

func (f ProviderFunc) Resolve(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// EnvProvider reads the process environment.
var EnvProvider = ProviderFunc(func(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s: %w", name, ErrNotFound)
	}
	return v, nil
})

// KeyringProvider reads the OS keychain.
type KeyringProvider struct {
	Service string
}

func (p KeyringProvider) Resolve(_ context.Context, name string) (string, error) {
	v, err := keyring.Get(p.Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("keyring entry %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("keyring entry %s: %w", name, err)
	}
	return v, nil
}

// Store saves a keychain secret, for the CLI.
func (p KeyringProvider) Store(name, value string) error {
	return keyring.Set(p.Service, name, value)
}

// Resolver dispatches references to providers by type.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the env and keyring providers.
func NewResolver() *Resolver {
	r := &Resolver{providers: map[string]Provider{}}
	r.Register(TypeEnv, EnvProvider)
	r.Register(TypeKeyring, KeyringProvider{Service: KeyringService})
	return r
}

// Register installs p for references of type typ.
func (r *Resolver) Register(typ string, p Provider) {
	r.providers[typ] = p
}

// Expand replaces every reference in s with its value.
func (r *Resolver) Expand(ctx context.Context, s string) (string, error) {
	if !IsRef(s) {
		return s, nil
	}
	out := s
	for _, ref := range FindRefs(s) {
		p, ok := r.providers[ref.Type]
		if !ok {
			return "", fmt.Errorf("unknown secret type %q in %s", ref.Type, ref.Original)
		}
		v, err := p.Resolve(ctx, ref.Name)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", ref.Original, err)
		}
		out = strings.ReplaceAll(out, ref.Original, v)
	}
	return out, nil
}

// ExpandServer returns a copy of server with references expanded in the URL,
// command, args, env, headers and OAuth client secret. server is not modified.
func (r *Resolver) ExpandServer(ctx context.Context, server *config.ServerConfig) (*config.ServerConfig, error) {
	out := *server
	var err error
	expand := func(field, s string) string {
		if err != nil {
			return s
		}
		v, e := r.Expand(ctx, s)
		if e != nil {
			err = fmt.Errorf("server %s %s: %w", server.Name, field, e)
			return s
		}
		return v
	}

	out.URL = expand("url", server.URL)
	out.Command = expand("command", server.Command)
	if server.Args != nil {
		out.Args = make([]string, len(server.Args))
		for i, a := range server.Args {
			out.Args[i] = expand("args", a)
		}
	}
	out.Env = expandMap(server.Env, "env", expand)
	out.Headers = expandMap(server.Headers, "headers", expand)
	if server.OAuth != nil {
		oauthCfg := *server.OAuth
		oauthCfg.ClientSecret = expand("oauth.client_secret", oauthCfg.ClientSecret)
		out.OAuth = &oauthCfg
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func expandMap(in map[string]string, field string, expand func(field, s string) string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = expand(field+"."+k, v)
	}
	return out
}

// Mask hides all but a few characters of a secret value for display.
func Mask(value string) string {
	switch {
	case len(value) <= 4:
		return "****"
	case len(value) <= 8:
		return value[:2] + "****"
	default:
		return value[:3] + "****" + value[len(value)-2:]
	}
}
