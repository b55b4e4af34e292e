package netpolicy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load parses a YAML policy document. Governance platforms ship
// policies as files; this is the on-ramp.
func Load(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy document missing name")
	}
	switch p.Default {
	case Allow, Deny:
	case "":
		p.Default = Deny
	default:
		return nil, fmt.Errorf("policy %s: unknown default action %q", p.Name, p.Default)
	}
	for i, r := range p.Rules {
		if r.Action != Allow && r.Action != Deny {
			return nil, fmt.Errorf("policy %s: rule %d: unknown action %q", p.Name, i, r.Action)
		}
		if r.Direction != Ingress && r.Direction != Egress && r.Direction != Both {
			return nil, fmt.Errorf("policy %s: rule %d: unknown direction %q", p.Name, i, r.Direction)
		}
	}
	return &p, nil
}

// LoadFile reads and parses a YAML policy file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Load(data)
}

// Marshal renders a policy back to YAML.
func Marshal(p *Policy) ([]byte, error) {
	return yaml.Marshal(p)
}
