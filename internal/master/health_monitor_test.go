// Package master implements the keyshard master.
// This file contains tests for the health monitoring functionality.
package master

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/wire"
)

func twoServers() []cluster.ShardRecord {
	return []cluster.ShardRecord{
		{ServerID: 1, JoinOrder: 0, Addr: "localhost:1026", Status: cluster.StatusActive},
		{ServerID: 2, JoinOrder: 1, Addr: "localhost:1027", Status: cluster.StatusActive},
	}
}

// TestNewHealthMonitor verifies that NewHealthMonitor creates a properly configured instance.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, 0)
	defer monitor.Stop()

	assert.NotNil(t, monitor)
	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures, "non-positive threshold falls back to 3")
	assert.NotNil(t, monitor.servers)
	assert.NotNil(t, monitor.ctx)
	assert.NotNil(t, monitor.cancel)
	assert.Len(t, monitor.servers, 0)

	assert.Equal(t, 5, NewHealthMonitor(time.Second, 5).maxFailures)
}

// TestHealthMonitorStart verifies that the health monitor starts and performs health checks.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(100*time.Millisecond, 3)
	defer monitor.Stop()

	checkCalls := 0
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		checkCalls++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoServers)

	time.Sleep(350 * time.Millisecond)

	mu.Lock()
	calls := checkCalls
	mu.Unlock()

	// initial check plus at least two ticks for each of two servers
	assert.GreaterOrEqual(t, calls, 6, "Expected at least 6 health checks")

	allHealth := monitor.GetAllServerHealth()
	assert.Len(t, allHealth, 2)
	assert.Contains(t, allHealth, uint64(1))
	assert.Contains(t, allHealth, uint64(2))
	assert.True(t, monitor.IsHealthy(1))
	assert.True(t, monitor.IsHealthy(2))
}

// TestHealthMonitorServerFailure verifies servers are marked unhealthy after failures.
func TestHealthMonitorServerFailure(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, 3)
	defer monitor.Stop()

	failing := false
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if addr == "localhost:1026" && failing {
			return fmt.Errorf("server is down")
		}
		return nil
	})

	var unhealthy []uint64
	monitor.SetOnUnhealthy(func(rec cluster.ShardRecord) {
		mu.Lock()
		unhealthy = append(unhealthy, rec.ServerID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, twoServers)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, monitor.IsHealthy(1))
	assert.True(t, monitor.IsHealthy(2))

	mu.Lock()
	failing = true
	mu.Unlock()

	time.Sleep(250 * time.Millisecond)

	assert.False(t, monitor.IsHealthy(1))
	assert.True(t, monitor.IsHealthy(2))

	mu.Lock()
	assert.Contains(t, unhealthy, uint64(1))
	mu.Unlock()

	health := monitor.GetServerHealth(1)
	require.NotNil(t, health)
	assert.Equal(t, healthStatusUnhealthy, health.Status)
	assert.GreaterOrEqual(t, health.ConsecutiveFails, 3)
}

// TestHealthMonitorServerRecovery verifies that unhealthy servers can recover.
func TestHealthMonitorServerRecovery(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, 3)
	defer monitor.Stop()

	healthy := true
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			return fmt.Errorf("server is down")
		}
		return nil
	})

	provider := func() []cluster.ShardRecord { return twoServers()[:1] }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, monitor.IsHealthy(1))

	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(250 * time.Millisecond)
	assert.False(t, monitor.IsHealthy(1))

	mu.Lock()
	healthy = true
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	health := monitor.GetServerHealth(1)
	require.NotNil(t, health)
	assert.Equal(t, healthStatusHealthy, health.Status)
	assert.Equal(t, 0, health.ConsecutiveFails)
}

// TestHealthMonitorServerRemoval verifies that servers no longer active are forgotten.
func TestHealthMonitorServerRemoval(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, 3)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(addr string) error { return nil })

	records := twoServers()
	var mu sync.Mutex
	provider := func() []cluster.ShardRecord {
		mu.Lock()
		defer mu.Unlock()
		return records
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, monitor.GetAllServerHealth(), 2)

	mu.Lock()
	records = records[:1]
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	allHealth := monitor.GetAllServerHealth()
	assert.Len(t, allHealth, 1)
	assert.Contains(t, allHealth, uint64(1))
	assert.NotContains(t, allHealth, uint64(2))
	assert.Nil(t, monitor.GetServerHealth(2))
}

// TestHealthMonitorStop verifies graceful shutdown of the health monitor.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, 3)

	checkCount := 0
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		checkCount++
		return nil
	})

	go monitor.Start(nil, twoServers) // use internal context

	time.Sleep(150 * time.Millisecond)
	monitor.Stop()

	mu.Lock()
	before := checkCount
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	after := checkCount
	mu.Unlock()

	assert.Greater(t, before, 0)
	assert.Equal(t, before, after)
}

// TestHealthMonitorUnhealthyCallback verifies the callback fires once per transition.
func TestHealthMonitorUnhealthyCallback(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, 3)
	defer monitor.Stop()

	failCount := 0
	var mu sync.Mutex
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if failCount < 3 {
			failCount++
			return fmt.Errorf("failing")
		}
		return nil
	})

	callbackCount := 0
	monitor.SetOnUnhealthy(func(rec cluster.ShardRecord) {
		mu.Lock()
		callbackCount++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, func() []cluster.ShardRecord { return twoServers()[:1] })

	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, callbackCount)
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, callbackCount)
	mu.Unlock()
}

// TestHealthMonitorPing exercises the default PING check over the wire.
func TestHealthMonitorPing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &wire.Server{Name: "pong", Handler: wire.HandlerFunc(func(_ context.Context, req wire.Message) wire.Message {
		if req.Kind == wire.KindPing {
			return wire.Ack()
		}
		return wire.ErrorReply(wire.ErrProtocol)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	monitor := NewHealthMonitor(time.Second, 3)
	defer monitor.Stop()
	monitor.timeout = 200 * time.Millisecond

	assert.NoError(t, monitor.pingCheck(ln.Addr().String()))
	err = monitor.pingCheck(deadAddr)
	assert.ErrorIs(t, err, wire.ErrUnreachable)
}
