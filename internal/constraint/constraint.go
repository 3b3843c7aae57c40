package constraint

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/domain"
)

// DefaultProbeAddress is dialed to decide whether the network is reachable
const DefaultProbeAddress = "api.openweathermap.org:443"

// Checker evaluates dispatch constraints
type Checker interface {
	Satisfied(ctx context.Context, constraint string) bool
}

// NetworkChecker satisfies CONNECTED when a TCP connection to the probe address succeeds
type NetworkChecker struct {
	address string
	timeout time.Duration
	dialer  *net.Dialer
	logger  *slog.Logger
}

// NewNetworkChecker creates a NetworkChecker
func NewNetworkChecker(address string, timeout time.Duration, logger *slog.Logger) *NetworkChecker {
	if address == "" {
		address = DefaultProbeAddress
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetworkChecker{
		address: address,
		timeout: timeout,
		dialer:  &net.Dialer{},
		logger:  logger,
	}
}

// Satisfied implements Checker. Unknown constraints are never satisfied.
func (n *NetworkChecker) Satisfied(ctx context.Context, constraint string) bool {
	switch constraint {
	case domain.ConstraintNone, "":
		return true
	case domain.ConstraintConnected:
		return n.connected(ctx)
	default:
		n.logger.Warn("Unknown job constraint",
			slog.String("constraint", constraint),
		)
		return false
	}
}

func (n *NetworkChecker) connected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	conn, err := n.dialer.DialContext(ctx, "tcp", n.address)
	if err != nil {
		n.logger.Debug("Network constraint not satisfied",
			slog.String("probe_address", n.address),
			slog.String("error", err.Error()),
		)
		return false
	}
	_ = conn.Close()
	return true
}

// Memo caches results per constraint so one scheduler tick probes the network at most once
type Memo struct {
	checker Checker
	results map[string]bool
}

// NewMemo wraps a checker for a single tick
func NewMemo(checker Checker) *Memo {
	return &Memo{
		checker: checker,
		results: make(map[string]bool),
	}
}

// Satisfied implements Checker
func (m *Memo) Satisfied(ctx context.Context, constraint string) bool {
	if ok, found := m.results[constraint]; found {
		return ok
	}
	ok := m.checker.Satisfied(ctx, constraint)
	m.results[constraint] = ok
	return ok
}
