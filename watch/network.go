package watch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
)

// DefaultNetworkInterval is how often connectivity is probed.
const DefaultNetworkInterval = 15 * time.Second

const probeTimeout = 5 * time.Second

// Probe returns nil when the network is reachable.
type Probe func(ctx context.Context) error

// HTTPProbe treats any HTTP response from target as reachable.
func HTTPProbe(client *http.Client, target string) Probe {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return fmt.Errorf("failed to create probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}

		return resp.Body.Close()
	}
}

// NetworkMonitor calls onOnline when connectivity returns after an outage.
type NetworkMonitor struct {
	probe    Probe
	interval time.Duration
	onOnline func(ctx context.Context)

	mu     sync.Mutex
	online bool
}

// NewNetworkMonitor starts out assuming the network is up.
func NewNetworkMonitor(probe Probe, interval time.Duration, onOnline func(ctx context.Context)) *NetworkMonitor {
	if interval <= 0 {
		interval = DefaultNetworkInterval
	}

	return &NetworkMonitor{
		probe:    probe,
		interval: interval,
		onOnline: onOnline,
		online:   true,
	}
}

// Run probes until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and reports whether the network is reachable.
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	online := err == nil

	m.mu.Lock()
	previous := m.online
	m.online = online
	m.mu.Unlock()

	switch {
	case previous && !online:
		log.Warn(ctx, "Network unreachable", "error", err)
		metrics.RecordCounter(ctx, "network_transitions_total", 1, "state", "offline")
	case !previous && online:
		log.Info(ctx, "Network reachable again")
		metrics.RecordCounter(ctx, "network_transitions_total", 1, "state", "online")

		if m.onOnline != nil {
			m.onOnline(ctx)
		}
	}

	return online
}

// Online returns the last observed state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}
