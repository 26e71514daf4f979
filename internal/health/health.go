// Package health provides health check functionality
package health

import (
	"sync"
	"time"
)

// Overall health states
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Component names used by the daemon
const (
	ComponentSource  = "audio_source"
	ComponentTracker = "tracker"
	ComponentUplink  = "uplink"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded, unhealthy
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports a component's current health
type Probe func() (healthy bool, message string)

type registration struct {
	probe    Probe
	critical bool
}

// Checker tracks health of system components
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     map[string]registration
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		probes:     make(map[string]registration),
	}
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Critical:  c.components[name].Critical,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Register adds a probe evaluated on every status request.
// A failing critical component makes the whole service unhealthy.
func (c *Checker) Register(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = registration{probe: probe, critical: critical}
}

// refresh runs all probes
func (c *Checker) refresh() {
	c.mu.RLock()
	probes := make(map[string]registration, len(c.probes))
	for k, v := range c.probes {
		probes[k] = v
	}
	c.mu.RUnlock()

	now := time.Now()
	for name, reg := range probes {
		healthy, message := reg.probe()

		c.mu.Lock()
		c.components[name] = Check{
			Healthy:   healthy,
			Critical:  reg.critical,
			Message:   message,
			LastCheck: now,
		}
		c.mu.Unlock()
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusOK
	for _, check := range c.components {
		if check.Healthy {
			continue
		}
		if check.Critical {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}

	// Copy components map
	components := make(map[string]Check)
	for k, v := range c.components {
		components[k] = v
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	return c.GetStatus().Status == StatusOK
}
