// Package group loads the optional groups.yaml registry mapping group
// names to their member symbols. When absent the node falls back to the
// groups derived from the truth document.
package group

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultPaths are tried in order by LoadDefault.
var DefaultPaths = []string{"groups.yaml", "config/groups.yaml"}

// Registry is the group → member-symbols map.
type Registry struct {
	Groups map[string][]string `yaml:"groups"`
}

// Load reads a registry from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("group registry %s: %w", path, err)
	}
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("group registry %s: %w", path, err)
	}
	return &r, nil
}

// LoadDefault reads the first registry found at DefaultPaths. The
// registry is optional: no file means (nil, nil).
func LoadDefault() (*Registry, error) {
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return Load(p)
	}
	return nil, nil
}

// Names returns the group names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.Groups))
	for name := range r.Groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Members returns the symbols of a group, nil for unknown groups.
func (r *Registry) Members(name string) []string {
	return r.Groups[name]
}

// Contains reports whether the registry defines the group.
func (r *Registry) Contains(name string) bool {
	_, ok := r.Groups[name]
	return ok
}
