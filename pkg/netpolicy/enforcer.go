package netpolicy

import (
	"context"
)

// Enforcer realizes a namespace on the host: connectivity plumbing on
// Attach, teardown on Detach. The portable runtime works against this
// interface; the Linux implementation compiles policies into iptables
// rules, other platforms get a stub.

type Enforcer interface {
	Attach(ctx context.Context, ns *Namespace) error
	Detach(ctx context.Context, ns *Namespace) error
}

// NoopEnforcer satisfies Enforcer without touching the host. Used by
// the in-process test backend and on hosts where enforcement is
// delegated to the container engine.

type NoopEnforcer struct{}

func (NoopEnforcer) Attach(ctx context.Context, ns *Namespace) error { return nil }
func (NoopEnforcer) Detach(ctx context.Context, ns *Namespace) error { return nil }
