package netpolicy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

// DefaultDNS is handed to namespaces whose config does not name
// resolvers.
var DefaultDNS = []string{"1.1.1.1", "8.8.8.8"}

// Namespace is a sandbox-scoped network handle: the identity the host
// side needs to realize and later tear down the sandbox's connectivity.

type Namespace struct {
	ID       domain.NamespaceID `json:"id"`
	Policy   *Policy            `json:"policy"`
	VethHost string             `json:"veth_host"`
	VethPeer string             `json:"veth_peer"`
	Bridge   string             `json:"bridge"`
	DNS      []string           `json:"dns"`
}

// NewNamespace allocates a namespace handle bound to policy. Interface
// names are derived from the id so they stay unique per sandbox and
// within the kernel's IFNAMSIZ budget.
func NewNamespace(policy *Policy, bridge string, dns []string) *Namespace {
	if policy == nil {
		policy = DenyAll()
	}
	if len(dns) == 0 {
		dns = DefaultDNS
	}
	id := uuid.New().String()
	short := id[:8]
	return &Namespace{
		ID:       domain.NamespaceID(id),
		Policy:   policy,
		VethHost: fmt.Sprintf("veth-%s-h", short),
		VethPeer: fmt.Sprintf("veth-%s-p", short),
		Bridge:   bridge,
		DNS:      dns,
	}
}

// IsIsolated reports whether the namespace drops traffic by default.
func (n *Namespace) IsIsolated() bool {
	return n.Policy != nil && n.Policy.Default == Deny
}
