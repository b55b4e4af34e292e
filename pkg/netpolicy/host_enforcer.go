//go:build linux
// +build linux

package netpolicy

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

// hostEnforcer realizes namespaces on a Linux host: a shared bridge,
// one veth pair per namespace, and the policy compiled into iptables
// rules on the forward chain.
type hostEnforcer struct {
	bridgeName string
	ipt        *iptables.IPTables
	mu         sync.Mutex
	attached   map[domain.NamespaceID]string // namespace -> host veth
}

// NewHostEnforcer creates an Enforcer backed by netlink and iptables.
func NewHostEnforcer(bridgeName string) (Enforcer, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &hostEnforcer{
		bridgeName: bridgeName,
		ipt:        ipt,
		attached:   make(map[domain.NamespaceID]string),
	}, nil
}

func (e *hostEnforcer) Attach(ctx context.Context, ns *Namespace) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.attached[ns.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrNamespaceExists, ns.ID)
	}

	br, err := e.ensureBridge()
	if err != nil {
		return fmt.Errorf("failed to ensure bridge %s: %w", e.bridgeName, err)
	}

	la := netlink.NewLinkAttrs()
	la.Name = ns.VethHost
	veth := &netlink.Veth{LinkAttrs: la, PeerName: ns.VethPeer}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s/%s: %w", ns.VethHost, ns.VethPeer, err)
	}
	if err := netlink.LinkSetMaster(veth, br); err != nil {
		_ = netlink.LinkDel(veth)
		return fmt.Errorf("failed to attach %s to bridge %s: %w", ns.VethHost, e.bridgeName, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		_ = netlink.LinkDel(veth)
		return fmt.Errorf("failed to bring up %s: %w", ns.VethHost, err)
	}

	if err := e.applyRules(ns); err != nil {
		_ = netlink.LinkDel(veth)
		return fmt.Errorf("failed to apply policy %s: %w", ns.Policy.Name, err)
	}

	e.attached[ns.ID] = ns.VethHost
	return nil
}

func (e *hostEnforcer) Detach(ctx context.Context, ns *Namespace) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	vethName, ok := e.attached[ns.ID]
	if !ok {
		// Already detached or never attached; teardown is idempotent.
		return nil
	}

	if link, err := netlink.LinkByName(vethName); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("failed to delete veth %s: %w", vethName, err)
		}
	}

	for _, spec := range e.ruleSpecs(ns) {
		_ = e.ipt.DeleteIfExists("filter", "FORWARD", spec...)
	}

	delete(e.attached, ns.ID)
	return nil
}

func (e *hostEnforcer) ensureBridge() (*netlink.Bridge, error) {
	if link, err := netlink.LinkByName(e.bridgeName); err == nil {
		br, ok := link.(*netlink.Bridge)
		if !ok {
			return nil, fmt.Errorf("link %s exists but is not a bridge", e.bridgeName)
		}
		if err := netlink.LinkSetUp(br); err != nil {
			return nil, fmt.Errorf("failed to set bridge %s up: %w", e.bridgeName, err)
		}
		return br, nil
	}

	la := netlink.NewLinkAttrs()
	la.Name = e.bridgeName
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, fmt.Errorf("failed to create bridge %s: %w", e.bridgeName, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return nil, fmt.Errorf("failed to set bridge %s up: %w", e.bridgeName, err)
	}
	return br, nil
}

// applyRules compiles the policy into the forward chain. Rules are
// inserted in declaration order so iptables preserves the policy's
// first-match semantics.
func (e *hostEnforcer) applyRules(ns *Namespace) error {
	for _, spec := range e.ruleSpecs(ns) {
		exists, err := e.ipt.Exists("filter", "FORWARD", spec...)
		if err != nil {
			return err
		}
		if !exists {
			if err := e.ipt.Append("filter", "FORWARD", spec...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *hostEnforcer) ruleSpecs(ns *Namespace) [][]string {
	var specs [][]string
	for _, r := range ns.Policy.Rules {
		target := "DROP"
		if r.Action == Allow {
			target = "ACCEPT"
		}
		proto := r.Protocol
		if proto == "" {
			proto = "tcp"
		}

		dirs := []Direction{r.Direction}
		if r.Direction == Both {
			dirs = []Direction{Egress, Ingress}
		}
		for _, dir := range dirs {
			spec := []string{"-p", proto}
			if dir == Egress {
				spec = append(spec, "-i", ns.VethHost)
				if r.Port != 0 {
					spec = append(spec, "--dport", fmt.Sprint(r.Port))
				}
			} else {
				spec = append(spec, "-o", ns.VethHost)
				if r.Port != 0 {
					spec = append(spec, "--sport", fmt.Sprint(r.Port))
				}
			}
			if r.CIDR != "" {
				spec = append(spec, "-d", r.CIDR)
			}
			spec = append(spec, "-j", target)
			specs = append(specs, spec)
		}
	}

	// Default action closes the chain for this veth in both directions.
	target := "DROP"
	if ns.Policy.Default == Allow {
		target = "ACCEPT"
	}
	specs = append(specs,
		[]string{"-i", ns.VethHost, "-j", target},
		[]string{"-o", ns.VethHost, "-j", target},
	)
	return specs
}
