// Package dependency checks the reachability of backing services.
package dependency

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/omnidesk/internal/healthcheck"
)

const (
	checkTypePing     = "dependency.ping"
	checkTypeProvider = "dependency.provider"
	defaultTimeout    = 2 * time.Second
)

// PingFunc probes a dependency.
type PingFunc func(ctx context.Context) error

// Checker pings one dependency. Optional dependencies report a warning
// instead of an error when unreachable.
type Checker struct {
	name     string
	ping     PingFunc
	optional bool
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker creates a ping checker for name.
func NewChecker(log *slog.Logger, name string, ping PingFunc, optional bool) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		name:     name,
		ping:     ping,
		optional: optional,
		timeout:  defaultTimeout,
		logger:   log.With(slog.String("checker", "healthcheck_"+name)),
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	result := healthcheck.CheckResult{
		ID:   checkTypePing + "." + c.name,
		Type: checkTypePing,
	}
	if c.ping == nil {
		result.Status = healthcheck.StatusWarn
		result.Summary = c.name + " is not configured."
		return []healthcheck.CheckResult{result}
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	if err := c.ping(pingCtx); err != nil {
		c.logger.Warn("dependency check failed", slog.Any("error", err))
		result.Status = healthcheck.StatusError
		if c.optional {
			result.Status = healthcheck.StatusWarn
		}
		result.Summary = c.name + " is unreachable."
		result.Detail = err.Error()
		return []healthcheck.CheckResult{result}
	}
	result.Status = healthcheck.StatusOK
	result.Summary = c.name + " responded in " + time.Since(start).Round(time.Millisecond).String() + "."
	return []healthcheck.CheckResult{result}
}

// ConfiguredFunc reports whether a provider has credentials.
type ConfiguredFunc func() bool

// ProviderChecker warns when the assistant provider has no credentials.
// Replies then fall back to the deterministic text.
type ProviderChecker struct {
	name       string
	configured ConfiguredFunc
}

func NewProviderChecker(name string, configured ConfiguredFunc) *ProviderChecker {
	return &ProviderChecker{name: name, configured: configured}
}

func (c *ProviderChecker) ListChecks(_ context.Context) []healthcheck.CheckResult {
	result := healthcheck.CheckResult{
		ID:      checkTypeProvider + "." + c.name,
		Type:    checkTypeProvider,
		Status:  healthcheck.StatusOK,
		Summary: c.name + " is configured.",
	}
	if c.configured == nil || !c.configured() {
		result.Status = healthcheck.StatusWarn
		result.Summary = c.name + " has no credentials; replies use the fallback text."
	}
	return []healthcheck.CheckResult{result}
}
