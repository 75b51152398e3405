package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
)

// HealthChecker aggregates named liveness checks for the local API.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) (bool, error)
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddSignalCheck reports unhealthy while the signaling channel is down. A
// live call keeps flowing during an outage, so this is a degradation signal,
// not a failure of the whole client.
func (h *HealthChecker) AddSignalCheck(svc ports.SessionService, timeout time.Duration) {
	h.AddCheck("signal_channel", func(ctx context.Context) (bool, error) {
		snap := svc.Snapshot()
		if snap.State == domain.StateIdle {
			return true, nil // nothing to be connected to
		}
		if !snap.ChannelUp {
			return false, fmt.Errorf("signaling channel down")
		}
		return true, nil
	}, timeout)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		healthy, err := check.Check(checkCtx)
		cancel()

		switch {
		case err != nil:
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		case !healthy:
			status.Status = "unhealthy"
			status.Checks[check.Name] = "check failed"
		default:
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}
