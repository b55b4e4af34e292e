package netpolicy

// Policies are immutable value objects: shared by reference across
// sandboxes, never mutated in place, safe for concurrent evaluation.

type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
	Both    Direction = "both"
)

type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Rule is one ordered entry in a policy. Zero Port matches any port;
// empty Protocol and CIDR match any.

type Rule struct {
	Direction   Direction `json:"direction" yaml:"direction"`
	Action      Action    `json:"action" yaml:"action"`
	Port        int       `json:"port,omitempty" yaml:"port,omitempty"`
	Protocol    string    `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	CIDR        string    `json:"cidr,omitempty" yaml:"cidr,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// matches reports whether the rule applies to the given direction and
// port. A rule declared for Both matches either direction.
func (r Rule) matches(dir Direction, port int) bool {
	if r.Direction != Both && dir != Both && r.Direction != dir {
		return false
	}
	if r.Port != 0 && r.Port != port {
		return false
	}
	return true
}

// Policy is a named, ordered rule sequence with a default action.

type Policy struct {
	Name    string `json:"name" yaml:"name"`
	Rules   []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
	Default Action `json:"default" yaml:"default"`
}

// Allows walks the rules in declaration order and returns the first
// matching rule's verdict, falling back to the default action.
// First-match-wins: a broad rule declared before a narrow one shadows
// it. Pure function, no side effects.
func (p *Policy) Allows(dir Direction, port int) bool {
	for _, r := range p.Rules {
		if r.matches(dir, port) {
			return r.Action == Allow
		}
	}
	return p.Default == Allow
}

// Presets. The minimum fixture set every consumer can rely on.

// DenyAll blocks everything; the default posture for new sandboxes.
func DenyAll() *Policy {
	return &Policy{Name: "deny-all", Default: Deny}
}

// AllowAll permits everything. Trusted workloads only.
func AllowAll() *Policy {
	return &Policy{Name: "allow-all", Default: Allow}
}

// EgressOnly permits outbound connections and blocks inbound.
func EgressOnly() *Policy {
	return &Policy{
		Name: "egress-only",
		Rules: []Rule{
			{Direction: Egress, Action: Allow, Description: "all outbound"},
			{Direction: Ingress, Action: Deny, Description: "no inbound"},
		},
		Default: Deny,
	}
}

// HTTPOnly permits ports 80 and 443 in both directions and denies the
// rest.
func HTTPOnly() *Policy {
	return &Policy{
		Name: "http-only",
		Rules: []Rule{
			{Direction: Both, Action: Allow, Port: 80, Protocol: "tcp", Description: "http"},
			{Direction: Both, Action: Allow, Port: 443, Protocol: "tcp", Description: "https"},
		},
		Default: Deny,
	}
}
