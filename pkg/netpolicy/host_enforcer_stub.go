//go:build !linux
// +build !linux

package netpolicy

import (
	"context"
	"fmt"
)

type hostEnforcer struct {
	bridgeName string
}

// NewHostEnforcer creates a stub enforcer for non-Linux platforms.
func NewHostEnforcer(bridgeName string) (Enforcer, error) {
	return &hostEnforcer{bridgeName: bridgeName}, nil
}

func (e *hostEnforcer) Attach(ctx context.Context, ns *Namespace) error {
	return fmt.Errorf("host network enforcement not supported on non-Linux platforms")
}

func (e *hostEnforcer) Detach(ctx context.Context, ns *Namespace) error {
	return fmt.Errorf("host network enforcement not supported on non-Linux platforms")
}
