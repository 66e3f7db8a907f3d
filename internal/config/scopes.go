package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// scopesFile is the layout of scopes.toml:
//
//	[projects]
//	work = "Work"
//	home = "Household"
//
// Keys are local projects, values remote project titles.
type scopesFile struct {
	Projects map[string]string `toml:"projects"`
}

// LoadScopes decodes a scopes file. An empty path yields no pairings.
func LoadScopes(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	var f scopesFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindConfig, "scopes", fmt.Errorf("failed to decode %s: %w", path, err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, syncerr.Errorf(syncerr.KindConfig, "scopes", "unknown keys in %s: %v", path, undecoded)
	}

	seen := make(map[string]string, len(f.Projects))
	for local, remote := range f.Projects {
		if remote == "" {
			return nil, syncerr.Errorf(syncerr.KindConfig, "scopes", "project %q maps to an empty title", local)
		}
		if other, ok := seen[remote]; ok {
			return nil, syncerr.Errorf(syncerr.KindConfig, "scopes",
				"remote project %q is paired with both %q and %q", remote, other, local)
		}
		seen[remote] = local
	}
	if f.Projects == nil {
		f.Projects = map[string]string{}
	}
	return f.Projects, nil
}

// Scopes builds the scope pairing from ScopesFile and DefaultProject.
func (c *Config) Scopes() (correlate.Scopes, error) {
	pairs, err := LoadScopes(c.ScopesFile)
	if err != nil {
		return correlate.Scopes{}, err
	}
	return correlate.NewScopes(pairs, c.DefaultProject), nil
}
