// Package permissions evaluates agent tool calls against a declarative
// allow/deny profile. Evaluation is deny-first: explicit prohibitions take
// precedence over broad allow patterns, and anything undecided is denied.
package permissions

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolCategories assigns tools to handling classes.
type ToolCategories struct {
	// Enabled tools are advertised to the agent.
	Enabled []string `yaml:"enabled"`
	// Disabled tools are always denied, even when allow-matched.
	Disabled []string `yaml:"disabled"`
	// PermissionChecked tools route through the decision function.
	PermissionChecked []string `yaml:"permission_checked"`
	// PreApproved tools bypass the rule scan entirely.
	PreApproved []string `yaml:"pre_approved"`
}

// Profile is the permission rule document (permissions.yaml).
// Allow and Deny are ordered: the first matching pattern in each list wins,
// and the deny list is always consulted before the allow list.
type Profile struct {
	Tools ToolCategories `yaml:"tools"`
	Allow []string       `yaml:"allow"`
	Deny  []string       `yaml:"deny"`
}

// LoadProfile reads and parses a permission profile document.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permission profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse permission profile %s: %w", path, err)
	}
	return &p, nil
}
