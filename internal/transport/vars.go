package transport

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

// UserIDVar is always available for substitution.
const UserIDVar = "USER_ID"

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// MissingVarsError lists custom user variables referenced by a server config
// for which the user has not supplied a value.
type MissingVarsError struct {
	Server string
	Names  []string
}

func (e *MissingVarsError) Error() string {
	return fmt.Sprintf("server %s needs user variables: %s", e.Server, strings.Join(e.Names, ", "))
}

// MissingVars returns the declared custom variables that are referenced by the
// server config but have no value in vars.
func MissingVars(server *config.ServerConfig, vars map[string]string) []string {
	if len(server.CustomVars) == 0 {
		return nil
	}
	referenced := map[string]bool{}
	collect := func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			referenced[m[1]] = true
		}
	}
	collect(server.URL)
	collect(server.Command)
	for _, a := range server.Args {
		collect(a)
	}
	for _, v := range server.Headers {
		collect(v)
	}
	for _, v := range server.Env {
		collect(v)
	}

	var missing []string
	for name := range server.CustomVars {
		if referenced[name] && vars[name] == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// ResolveServer returns a copy of server with {{NAME}} placeholders replaced by
// the user's variables. Unknown placeholders are left untouched.
func ResolveServer(server *config.ServerConfig, userID string, vars map[string]string) *config.ServerConfig {
	out := server.Clone()
	values := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		values[k] = v
	}
	if userID != "" {
		values[UserIDVar] = userID
	}
	if len(values) == 0 {
		return out
	}

	sub := func(s string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			name := placeholderRe.FindStringSubmatch(m)[1]
			if v, ok := values[name]; ok {
				return v
			}
			return m
		})
	}
	out.URL = sub(out.URL)
	out.Command = sub(out.Command)
	for i, a := range out.Args {
		out.Args[i] = sub(a)
	}
	for k, v := range out.Headers {
		out.Headers[k] = sub(v)
	}
	for k, v := range out.Env {
		out.Env[k] = sub(v)
	}
	return out
}
