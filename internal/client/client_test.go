package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/master"
	"github.com/dreamware/keyshard/internal/shard"
	"github.com/dreamware/keyshard/internal/storage"
	"github.com/dreamware/keyshard/internal/wire"
)

type testCluster struct {
	master *master.Master
	shards []*shard.Server
}

// startCluster runs a master and n shard servers in process.
func startCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	tc := &testCluster{master: master.New(master.Config{ListenAddr: "127.0.0.1:0"})}
	require.NoError(t, tc.master.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tc.master.Shutdown(ctx)
	})
	for i := 0; i < n; i++ {
		tc.addShard(t)
	}
	// bring earlier joiners up to the final membership
	for _, s := range tc.shards {
		require.NoError(t, s.Refresh(context.Background()))
	}
	return tc
}

func (tc *testCluster) addShard(t *testing.T) *shard.Server {
	t.Helper()
	s := shard.New(shard.Config{
		ListenAddr:      "127.0.0.1:0",
		MasterAddr:      tc.master.Addr(),
		Timeout:         time.Second,
		RegisterBackoff: 20 * time.Millisecond,
	}, storage.NewMemoryStore())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	tc.shards = append(tc.shards, s)
	return s
}

func (tc *testCluster) storedOn(key int64) []uint64 {
	var ids []uint64
	for _, s := range tc.shards {
		if _, err := s.Shard().Store().Get(key); err == nil {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

// TestTwoShardScenario mirrors the end-to-end run: keys 1..20 written with
// value 1000 through the first server, then read back
func TestTwoShardScenario(t *testing.T) {
	for _, direct := range []bool{false, true} {
		t.Run(fmt.Sprintf("direct=%v", direct), func(t *testing.T) {
			ctx := context.Background()
			tc := startCluster(t, 2)
			c := New(Config{MasterAddr: tc.master.Addr(), Direct: direct, Backoff: 10 * time.Millisecond})
			first := tc.shards[0].Addr()

			for k := int64(1); k <= 20; k++ {
				version, err := c.Put(ctx, first, k, []byte("1000"))
				require.NoError(t, err, "put %d", k)
				assert.Equal(t, uint64(1), version)
			}
			for k := int64(1); k <= 20; k++ {
				v, err := c.Get(ctx, first, k)
				require.NoError(t, err, "get %d", k)
				assert.Equal(t, "1000", string(v))
			}

			// every key lives on exactly its owner
			snap := tc.master.Registry().Snapshot()
			for k := int64(1); k <= 20; k++ {
				owner, ok := snap.Owner(k)
				require.True(t, ok)
				assert.Equal(t, []uint64{owner.ServerID}, tc.storedOn(k), "key %d", k)
			}
		})
	}
}

// TestRoundTripFromEitherServer tests convergence regardless of the first hop
func TestRoundTripFromEitherServer(t *testing.T) {
	ctx := context.Background()
	tc := startCluster(t, 2)
	c := New(Config{Direct: true})

	for k := int64(-5); k <= 30; k++ {
		via := tc.shards[int(k+5)%2].Addr()
		other := tc.shards[int(k+6)%2].Addr()
		value := []byte(strconv.FormatInt(k*7, 10))

		_, err := c.Put(ctx, via, k, value)
		require.NoError(t, err)
		got, err := c.Get(ctx, other, k)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	}
}

// TestNoCrossContamination tests that a PUT sent to the wrong server lands
// only on the owner
func TestNoCrossContamination(t *testing.T) {
	ctx := context.Background()
	tc := startCluster(t, 2)
	snap := tc.master.Registry().Snapshot()
	c := New(Config{Direct: true})

	for k := int64(1); k <= 40; k++ {
		owner, _ := snap.Owner(k)
		var wrong *shard.Server
		for _, s := range tc.shards {
			if s.ID() != owner.ServerID {
				wrong = s
			}
		}
		require.NotNil(t, wrong)

		_, err := c.Put(ctx, wrong.Addr(), k, []byte("x"))
		require.NoError(t, err)
		_, err = wrong.Shard().Store().Get(k)
		assert.ErrorIs(t, err, storage.ErrKeyNotFound, "key %d leaked onto server %d", k, wrong.ID())
	}
}

// TestGetIdempotent tests that repeated reads return the same value and
// leave the version alone
func TestGetIdempotent(t *testing.T) {
	ctx := context.Background()
	tc := startCluster(t, 2)
	c := New(Config{MasterAddr: tc.master.Addr()})

	_, err := c.Put(ctx, "", 11, []byte("eleven"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		v, err := c.Get(ctx, "", 11)
		require.NoError(t, err)
		assert.Equal(t, "eleven", string(v))
	}

	owner, err := tc.master.Registry().Lookup(11)
	require.NoError(t, err)
	for _, s := range tc.shards {
		if s.ID() == owner.ServerID {
			rec, err := s.Shard().Store().Get(11)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), rec.Version)
		}
	}
}

// TestConcurrentPutsSameKey tests per-key serialization through the network
func TestConcurrentPutsSameKey(t *testing.T) {
	ctx := context.Background()
	tc := startCluster(t, 2)
	c := New(Config{MasterAddr: tc.master.Addr()})

	const writers = 20
	values := make(map[string]bool)
	versions := make(chan uint64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		v := fmt.Sprintf("w%d", i)
		values[v] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			version, err := c.Put(ctx, "", 5, []byte(v))
			assert.NoError(t, err)
			versions <- version
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d handed out twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	got, err := c.Get(ctx, "", 5)
	require.NoError(t, err)
	assert.True(t, values[string(got)], "final value %q was never written", got)
}

// TestGetMissingKey tests NotFound on the owner
func TestGetMissingKey(t *testing.T) {
	tc := startCluster(t, 2)
	c := New(Config{MasterAddr: tc.master.Addr()})

	_, err := c.Get(context.Background(), "", 404)
	assert.ErrorIs(t, err, wire.ErrNotFound)
	assert.Equal(t, wire.ErrNotFound, wire.KindOf(err))
}

// TestEmptyRegistry tests a master with no shard servers
func TestEmptyRegistry(t *testing.T) {
	tc := startCluster(t, 0)
	c := New(Config{MasterAddr: tc.master.Addr(), Backoff: time.Millisecond})

	_, err := c.Put(context.Background(), "", 1, []byte("v"))
	assert.ErrorIs(t, err, wire.ErrEmptyRegistry)

	_, _, err = c.Locate(context.Background(), 1)
	assert.ErrorIs(t, err, wire.ErrEmptyRegistry)

	// the master keeps accepting registrations
	tc.addShard(t)
	_, err = c.Put(context.Background(), "", 1, []byte("v"))
	assert.NoError(t, err)
}

// TestJoinAfterWrites tests that a later join never loses reads of new
// writes, and stale snapshots converge via the request epoch
func TestJoinAfterWrites(t *testing.T) {
	ctx := context.Background()
	tc := startCluster(t, 1)
	c := New(Config{MasterAddr: tc.master.Addr()})

	tc.addShard(t)
	_, stale := tc.shards[0].Shard().Membership()
	require.Len(t, stale.Records, 1, "first server still holds the one-server snapshot")

	for k := int64(1); k <= 20; k++ {
		_, err := c.Put(ctx, "", k, []byte("1000"))
		require.NoError(t, err)
		v, err := c.Get(ctx, "", k)
		require.NoError(t, err)
		assert.Equal(t, "1000", string(v))
	}
	assert.Equal(t, tc.master.Registry().Epoch(), tc.shards[0].Shard().Epoch())
}

// serveFixed serves a shard with a fixed snapshot and no master.
func serveFixed(t *testing.T, ln net.Listener, self uint64, snap cluster.Snapshot) {
	t.Helper()
	sh := shard.NewShard(storage.NewMemoryStore())
	sh.SetMembership(self, snap)
	srv := &wire.Server{Handler: sh, Name: fmt.Sprintf("shard[%d]", self)}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
}

// TestRedirectLoop tests that two servers with conflicting stale snapshots
// cannot bounce the client forever
func TestRedirectLoop(t *testing.T) {
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := cluster.ShardRecord{ServerID: 1, JoinOrder: 0, Addr: lnA.Addr().String(), Status: cluster.StatusActive}
	b := cluster.ShardRecord{ServerID: 2, JoinOrder: 1, Addr: lnB.Addr().String(), Status: cluster.StatusActive}

	// each believes the other owns everything
	serveFixed(t, lnA, 1, cluster.Snapshot{Epoch: 1, Records: []cluster.ShardRecord{b}})
	serveFixed(t, lnB, 2, cluster.Snapshot{Epoch: 1, Records: []cluster.ShardRecord{a}})

	tests := []struct {
		name    string
		maxHops int
	}{
		{name: "default bound", maxHops: 0},
		{name: "wider bound", maxHops: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{Direct: true, MaxHops: tt.maxHops})
			_, err := c.Put(context.Background(), a.Addr, 9, []byte("v"))
			assert.ErrorIs(t, err, wire.ErrRedirectLoop)

			_, err = c.Get(context.Background(), b.Addr, 9)
			assert.ErrorIs(t, err, wire.ErrRedirectLoop)
		})
	}
}

// flakyServer drops the first `drops` connections and then acknowledges.
func flakyServer(t *testing.T, drops int32) (string, *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var conns int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if atomic.AddInt32(&conns, 1) <= drops {
				conn.Close()
				continue
			}
			go func() {
				defer conn.Close()
				req, err := wire.ReadMessage(conn)
				if err != nil {
					return
				}
				_ = wire.WriteMessage(conn, wire.Message{Kind: wire.KindAck, Key: req.Key, HasKey: true, Version: 1, Value: []byte("ok")})
			}()
		}
	}()
	return ln.Addr().String(), &conns
}

// TestUnreachableRetries tests the retry policy for connection failures
func TestUnreachableRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within the retry bound", func(t *testing.T) {
		addr, conns := flakyServer(t, 2)
		c := New(Config{Direct: true, Retries: 3, Backoff: time.Millisecond})
		v, err := c.Get(ctx, addr, 1)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(v))
		assert.Equal(t, int32(3), atomic.LoadInt32(conns))
	})

	t.Run("gives up after the retry bound", func(t *testing.T) {
		addr, conns := flakyServer(t, 100)
		c := New(Config{Direct: true, Retries: 2, Backoff: time.Millisecond})
		_, err := c.Put(ctx, addr, 1, []byte("v"))
		assert.ErrorIs(t, err, wire.ErrUnreachable)
		assert.Equal(t, int32(3), atomic.LoadInt32(conns))
	})

	t.Run("retries disabled", func(t *testing.T) {
		addr, conns := flakyServer(t, 100)
		c := New(Config{Direct: true, Retries: -1})
		_, err := c.Put(ctx, addr, 1, []byte("v"))
		assert.ErrorIs(t, err, wire.ErrUnreachable)
		assert.Equal(t, int32(1), atomic.LoadInt32(conns))
	})

	t.Run("master down", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := ln.Addr().String()
		ln.Close()

		c := New(Config{MasterAddr: dead, Retries: 1, Backoff: time.Millisecond, Timeout: 200 * time.Millisecond})
		_, err = c.Get(ctx, "", 1)
		assert.ErrorIs(t, err, wire.ErrUnreachable)
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		addr, _ := flakyServer(t, 100)
		c := New(Config{Direct: true, Retries: 10, Backoff: time.Hour})
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := c.Get(cctx, addr, 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, err, wire.ErrUnreachable)
	})
}

// TestConfigDefaults tests zero-value configuration
func TestConfigDefaults(t *testing.T) {
	cfg := New(Config{}).Config()
	assert.Equal(t, wire.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff)
	assert.Equal(t, 2, cfg.MaxHops)

	assert.Equal(t, 0, New(Config{Retries: -1}).Config().Retries)

	_, err := New(Config{}).Get(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrNoAddress)
}
