package sandbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
)

// Guard is the network boundary of one sandbox. Workloads that dial
// through it get policy evaluation on every connection attempt; a
// denied attempt is recorded and surfaced as an isolation violation,
// which is a different failure class than resource exhaustion or
// timeout. Violation logging is throttled so a misbehaving workload
// cannot flood the log sink.

type Guard struct {
	ns      *netpolicy.Namespace
	dialer  *net.Dialer
	logger  telemetry.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	violations []string
}

func newGuard(ns *netpolicy.Namespace, logger telemetry.Logger) *Guard {
	return &Guard{
		ns:      ns,
		dialer:  &net.Dialer{},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// CheckEgress evaluates an outbound connection attempt against the
// bound policy without dialing.
func (g *Guard) CheckEgress(ctx context.Context, port int) error {
	if g.ns.Policy.Allows(netpolicy.Egress, port) {
		return nil
	}
	desc := fmt.Sprintf("egress to port %d denied by policy %q", port, g.ns.Policy.Name)
	g.record(ctx, desc)
	return &domain.IsolationError{Violation: desc}
}

// DialContext checks policy and then dials. Plugs straight into
// http.Transport.DialContext and friends.
func (g *Guard) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port %q: %w", portStr, err)
	}
	if err := g.CheckEgress(ctx, port); err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, address)
}

// Violations returns a copy of the recorded violation descriptions.
func (g *Guard) Violations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.violations))
	copy(out, g.violations)
	return out
}

func (g *Guard) record(ctx context.Context, desc string) {
	g.mu.Lock()
	g.violations = append(g.violations, desc)
	g.mu.Unlock()

	if g.limiter.Allow() {
		g.logger.Warn(ctx, "Isolation violation", map[string]any{
			"namespace": g.ns.ID,
			"policy":    g.ns.Policy.Name,
			"violation": desc,
		})
	}
}
