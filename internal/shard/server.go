package shard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/storage"
	"github.com/dreamware/keyshard/internal/wire"
)

// Config controls a shard Server.
type Config struct {
	// ListenAddr is the wire protocol address, e.g. ":1026".
	ListenAddr string
	// AdvertiseAddr is the address registered with the master. When empty
	// the bound listener address is used.
	AdvertiseAddr string
	// MasterAddr is the master's wire address. Required.
	MasterAddr string
	// StatusAddr enables the HTTP status listener when non-empty.
	StatusAddr string
	// RefreshInterval is the period of the background MEMBERS refresh.
	// Zero disables the loop; epoch-triggered refreshes still happen.
	RefreshInterval time.Duration
	// Timeout bounds each call to the master.
	Timeout time.Duration
	// RegisterAttempts and RegisterBackoff control the startup retry loop.
	RegisterAttempts int
	RegisterBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = wire.DefaultTimeout
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = 10
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = 400 * time.Millisecond
	}
	return c
}

// ErrNotRegistered is returned by Start when the master never acknowledged
// the registration.
var ErrNotRegistered = errors.New("shard: registration with master failed")

// Server is a running shard server: a Shard served over the wire protocol
// and kept in sync with the master.
type Server struct {
	shard   *Shard
	wireSrv *wire.Server
	httpSrv *http.Server
	ln      net.Listener
	cancel  context.CancelFunc
	done    chan struct{}
	cfg     Config

	// refreshMu makes refreshes single-flight.
	refreshMu sync.Mutex
}

// New creates a server over store. Nothing listens until Start.
func New(cfg Config, store storage.Store) *Server {
	s := &Server{
		cfg:   cfg.withDefaults(),
		shard: NewShard(store),
		done:  make(chan struct{}),
	}
	s.shard.SetRefresher(s.refreshTo)
	s.wireSrv = &wire.Server{Handler: s.shard, Name: "shard", IdleTimeout: time.Minute}
	return s
}

// Shard returns the request handler.
func (s *Server) Shard() *Shard { return s.shard }

// Addr returns the bound wire address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// AdvertiseAddr is the address this server registers under.
func (s *Server) AdvertiseAddr() string {
	if s.cfg.AdvertiseAddr != "" {
		return s.cfg.AdvertiseAddr
	}
	return s.Addr()
}

// ID returns the ServerID assigned by the master, zero before registration.
func (s *Server) ID() uint64 {
	id, _ := s.shard.Membership()
	return id
}

// Start listens, serves requests, registers with the master and starts the
// refresh loop. It fails if the master never acknowledges the registration.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.MasterAddr == "" {
		return fmt.Errorf("shard: master address required")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		log.Printf("shard listening on %s (advertise %s)", ln.Addr(), s.AdvertiseAddr())
		if err := s.wireSrv.Serve(ln); err != nil && !errors.Is(err, wire.ErrServerClosed) {
			log.Printf("shard: serve: %v", err)
		}
	}()

	if err := s.register(ctx); err != nil {
		_ = s.wireSrv.Close()
		return err
	}

	if s.cfg.StatusAddr != "" {
		s.httpSrv = &http.Server{
			Addr:              s.cfg.StatusAddr,
			Handler:           s.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("shard[%d] status listening on %s", s.ID(), s.cfg.StatusAddr)
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("shard[%d]: status listener: %v", s.ID(), err)
			}
		}()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.refreshLoop(loopCtx)
	return nil
}

// register sends REGISTER to the master, retrying on failure to ride out
// master startup.
func (s *Server) register(ctx context.Context) error {
	req := wire.Message{Kind: wire.KindRegister, Addr: s.AdvertiseAddr()}
	var lastErr error

	for i := 0; i < s.cfg.RegisterAttempts; i++ {
		resp, err := wire.Call(ctx, s.cfg.MasterAddr, req, s.cfg.Timeout)
		if err == nil {
			err = resp.Err()
		}
		if err == nil && resp.Kind != wire.KindAck {
			err = fmt.Errorf("%w: unexpected %v", wire.ErrProtocol, resp)
		}
		if err == nil {
			s.shard.SetMembership(resp.ServerID, resp.Snapshot())
			log.Printf("shard[%d] registered with master @ %s, registry size %d, epoch %d",
				resp.ServerID, s.cfg.MasterAddr, len(resp.Members), resp.Epoch)
			return nil
		}

		lastErr = err
		log.Printf("shard: register retry %d: %v", i+1, lastErr)
		if i == s.cfg.RegisterAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotRegistered, ctx.Err())
		case <-time.After(s.cfg.RegisterBackoff):
		}
	}
	return fmt.Errorf("%w: %w", ErrNotRegistered, lastErr)
}

// Refresh fetches the current registry from the master and installs it.
func (s *Server) Refresh(ctx context.Context) error {
	return s.refreshTo(ctx, 0)
}

// refreshTo fetches MEMBERS unless another refresh already brought the
// snapshot up to minEpoch. If the master lists this server as Unreachable,
// the server registers again.
func (s *Server) refreshTo(ctx context.Context, minEpoch uint64) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if minEpoch > 0 && s.shard.Epoch() >= minEpoch {
		return nil
	}

	resp, err := wire.Call(ctx, s.cfg.MasterAddr, wire.Message{Kind: wire.KindMembers}, s.cfg.Timeout)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}

	snap := resp.Snapshot()
	self := s.ID()
	if s.shard.SetMembership(0, snap) {
		log.Printf("shard[%d]: membership epoch %d, %d active", self, snap.Epoch, len(snap.Active()))
	}

	rec, ok := snap.Find(self)
	if self != 0 && (!ok || rec.Status != cluster.StatusActive) {
		log.Printf("shard[%d]: master lists this server as %s, registering again", self, rec.Status)
		return s.register(ctx)
	}
	return nil
}

func (s *Server) refreshLoop(ctx context.Context) {
	defer close(s.done)
	if s.cfg.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			if err := s.Refresh(callCtx); err != nil && ctx.Err() == nil {
				log.Printf("shard[%d]: refresh: %v", s.ID(), err)
			}
			cancel()
		}
	}
}

// Shutdown stops the refresh loop and both listeners. Registration at the
// master is left in place; the master's health monitor marks the server
// Unreachable.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	var errs []error
	if s.httpSrv != nil {
		errs = append(errs, s.httpSrv.Shutdown(ctx))
	}
	errs = append(errs, s.wireSrv.Shutdown(ctx))
	return errors.Join(errs...)
}
