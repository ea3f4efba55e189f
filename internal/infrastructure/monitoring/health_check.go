package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"voicebox/internal/core/ports"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

// AddStoreCheck pings the directory store.
func (h *HealthChecker) AddStoreCheck(store ports.HealthChecker, timeout time.Duration) {
	h.AddCheck("directory", store.Ping, timeout)
}

// AddListenerCheck reports unhealthy until the node accepts peers.
func (h *HealthChecker) AddListenerCheck(pool ports.ConnectionPool) {
	h.AddCheck("listener", func(context.Context) error {
		if pool.Addr() == "" {
			return errors.New("not listening")
		}
		return nil
	}, time.Second)
}

// CheckAll runs every check, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		err := check.Check(checkCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = "healthy"
	}

	return status
}

// IsReady checks if the node is ready to serve calls
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
