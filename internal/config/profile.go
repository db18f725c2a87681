package config

import (
	"fmt"
	"os"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
	"gopkg.in/yaml.v3"
)

// Profile is an optional per-node tag overlay, loaded from a YAML file
// for operators who maintain node tags separately from the JSON node
// document, e.g. to retag a fleet without touching the generated config.
// Spec's node document already carries inline tags (§6); this is an
// additive convenience, never a replacement. LoadProfile and ApplyProfile
// are library calls only: neither cmd/controller nor cmd/worker has a flag
// that loads a profile.
type Profile struct {
	Nodes map[string][]string `yaml:"nodes"`
}

// LoadProfile reads a YAML profile file mapping node_id to a tag list.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfigInvalid, fmt.Sprintf("failed to read profile file %q", path), err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfigInvalid, fmt.Sprintf("failed to parse profile file %q", path), err)
	}
	return &p, nil
}

// ApplyProfile overlays p's tags onto nodes by node_id, appending to
// (not replacing) whatever tags the node document already declared.
// Nodes absent from the profile are left untouched.
func ApplyProfile(nodes []registry.Node, p *Profile) []registry.Node {
	if p == nil || len(p.Nodes) == 0 {
		return nodes
	}
	out := make([]registry.Node, len(nodes))
	for i, n := range nodes {
		if extra, ok := p.Nodes[n.NodeID]; ok {
			n.Tags = append(append([]string{}, n.Tags...), extra...)
		}
		out[i] = n
	}
	return out
}
