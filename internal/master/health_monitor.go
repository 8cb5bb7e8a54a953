// Package master implements the keyshard master.
// This file implements health monitoring for registered shard servers.
package master

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/wire"
)

// Health states reported by the monitor.
const (
	healthStatusUnknown   = "unknown"
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// ServerHealth tracks the health status of a single shard server.
// It maintains the current status, last successful check time, and failure count.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ServerHealth struct {
	LastCheck        time.Time // Timestamp of the last health check attempt
	LastHealthy      time.Time // Timestamp of the last successful health check
	Addr             string    // Address the server was probed on
	Status           string    // Current status: "healthy", "unhealthy", "unknown"
	ServerID         uint64    // Registry ID of the server
	ConsecutiveFails int       // Number of consecutive failed health checks
}

// HealthMonitor performs periodic health checks on all active shard servers.
// It tracks server health and reports servers that stop answering so the
// registry can mark them Unreachable.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	servers     map[uint64]*ServerHealth      // Current health status per server
	checkFunc   func(addr string) error       // Function to perform health check
	onUnhealthy func(rec cluster.ShardRecord) // Callback when server becomes unhealthy
	ctx         context.Context               // Context for cancellation
	cancel      context.CancelFunc            // Cancel function for shutdown
	interval    time.Duration                 // How often to check server health
	timeout     time.Duration                 // Timeout for a single PING
	mu          sync.RWMutex                  // Protects servers map and callbacks
	wg          sync.WaitGroup                // Wait group for graceful shutdown
	maxFailures int                           // Failures before marking unhealthy
}

// NewHealthMonitor creates a new health monitor with the specified check interval.
// The monitor sends a PING to each server every interval and marks a server
// unhealthy after maxFailures consecutive failures (3 when maxFailures <= 0).
//
// Example:
//
//	monitor := NewHealthMonitor(time.Second, 3)
//	monitor.SetOnUnhealthy(func(rec cluster.ShardRecord) { registry.Deregister(rec.ServerID) })
//	go monitor.Start(ctx, registry.ActiveRecords)
func NewHealthMonitor(interval time.Duration, maxFailures int) *HealthMonitor {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		servers:     make(map[uint64]*ServerHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a server becomes unhealthy.
// The callback runs on its own goroutine without the monitor's lock held.
func (h *HealthMonitor) SetOnUnhealthy(callback func(rec cluster.ShardRecord)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction allows overriding the default PING health check.
// This is useful for testing or custom health check implementations.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start begins the health monitoring process in the current goroutine.
// It periodically checks all servers returned by serverProvider and blocks
// until ctx is canceled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, serverProvider func() []cluster.ShardRecord) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	h.mu.Lock()
	if h.checkFunc == nil {
		h.checkFunc = h.pingCheck
	}
	h.mu.Unlock()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("master: health monitor started with interval %v", h.interval)

	// Perform initial health check immediately
	h.checkAll(serverProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(serverProvider())
		case <-ctx.Done():
			log.Println("master: health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			log.Println("master: health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop gracefully shuts down the health monitor.
// It cancels the monitoring goroutine and waits for it to complete.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll performs health checks on all provided servers and forgets
// servers that are no longer active.
func (h *HealthMonitor) checkAll(records []cluster.ShardRecord) {
	current := make(map[uint64]bool, len(records))

	for _, rec := range records {
		current[rec.ServerID] = true
		h.checkServer(rec)
	}

	h.mu.Lock()
	for id := range h.servers {
		if !current[id] {
			delete(h.servers, id)
		}
	}
	h.mu.Unlock()
}

// checkServer performs a health check on a single server and updates its
// record. Crossing maxFailures triggers the unhealthy callback once.
func (h *HealthMonitor) checkServer(rec cluster.ShardRecord) {
	h.mu.Lock()
	health, exists := h.servers[rec.ServerID]
	if !exists {
		health = &ServerHealth{
			ServerID:    rec.ServerID,
			Addr:        rec.Addr,
			Status:      healthStatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.servers[rec.ServerID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(rec.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		log.Printf("master: health check failed for %v (attempt %d/%d): %v",
			rec, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures {
			previous := health.Status
			health.Status = healthStatusUnhealthy

			if previous != healthStatusUnhealthy && h.onUnhealthy != nil {
				log.Printf("master: %v marked unhealthy after %d failures", rec, health.ConsecutiveFails)
				go h.onUnhealthy(rec)
			}
		}
		return
	}

	if health.Status == healthStatusUnhealthy {
		log.Printf("master: %v recovered", rec)
	}
	health.Status = healthStatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// pingCheck sends a PING frame and expects an ACK.
func (h *HealthMonitor) pingCheck(addr string) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	resp, err := wire.Call(ctx, addr, wire.Message{Kind: wire.KindPing}, h.timeout)
	if err != nil {
		return err
	}
	if resp.Kind != wire.KindAck {
		return fmt.Errorf("ping %s: unexpected %v", addr, resp)
	}
	return nil
}

// GetServerHealth returns a copy of the health record for a server,
// or nil if it is not being monitored.
func (h *HealthMonitor) GetServerHealth(serverID uint64) *ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.servers[serverID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllServerHealth returns copies of all health records keyed by server ID.
func (h *HealthMonitor) GetAllServerHealth() map[uint64]*ServerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[uint64]*ServerHealth, len(h.servers))
	for id, health := range h.servers {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy returns whether a server is currently healthy.
// Returns false if the server is not being monitored.
func (h *HealthMonitor) IsHealthy(serverID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.servers[serverID]
	return exists && health.Status == healthStatusHealthy
}
