package health

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/healthmonitor"
)

// Checker is implemented by anything able to report on the health of some component.
// A nil error means healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete is called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// HealthMonitorChecker exposes a HealthMonitor as a Checker.
type HealthMonitorChecker struct {
	name    string
	monitor healthmonitor.HealthMonitor
}

func NewHealthMonitorChecker(name string, monitor healthmonitor.HealthMonitor) *HealthMonitorChecker {
	return &HealthMonitorChecker{name: name, monitor: monitor}
}

func (c *HealthMonitorChecker) Check() error {
	ok, reason, err := c.monitor.IsHealthy()
	if err != nil {
		return errors.WithMessagef(err, "%s health check failed", c.name)
	}
	if !ok {
		return errors.Errorf("%s is unhealthy: %s", c.name, reason)
	}
	return nil
}
