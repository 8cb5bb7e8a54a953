package master

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/wire"
)

// Config controls a Master.
type Config struct {
	// ListenAddr is the wire protocol address, e.g. ":1025".
	ListenAddr string
	// StatusAddr enables the HTTP status listener when non-empty.
	StatusAddr string
	// HeartbeatInterval enables the health monitor when positive.
	HeartbeatInterval time.Duration
	// HeartbeatFailures is the number of consecutive failed PINGs before a
	// server is marked Unreachable.
	HeartbeatFailures int
}

// Master serves the registry over the wire protocol.
type Master struct {
	registry *ShardRegistry
	monitor  *HealthMonitor
	wireSrv  *wire.Server
	httpSrv  *http.Server
	ln       net.Listener
	cfg      Config
}

// New creates a master with an empty registry. Nothing listens until Start.
func New(cfg Config) *Master {
	m := &Master{
		cfg:      cfg,
		registry: NewShardRegistry(),
	}
	m.wireSrv = &wire.Server{Handler: m, Name: "master", IdleTimeout: time.Minute}
	if cfg.HeartbeatInterval > 0 {
		m.monitor = NewHealthMonitor(cfg.HeartbeatInterval, cfg.HeartbeatFailures)
		m.monitor.SetOnUnhealthy(m.markUnreachable)
	}
	return m
}

// Registry exposes the master's registry.
func (m *Master) Registry() *ShardRegistry { return m.registry }

// Start binds the listeners and serves in background goroutines.
func (m *Master) Start() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return err
	}
	m.ln = ln

	go func() {
		log.Printf("master listening on %s", ln.Addr())
		if err := m.wireSrv.Serve(ln); err != nil && !errors.Is(err, wire.ErrServerClosed) {
			log.Printf("master: serve: %v", err)
		}
	}()

	if m.cfg.StatusAddr != "" {
		m.httpSrv = &http.Server{
			Addr:              m.cfg.StatusAddr,
			Handler:           m.StatusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("master status listening on %s", m.cfg.StatusAddr)
			if err := m.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("master: status listener: %v", err)
			}
		}()
	}

	if m.monitor != nil {
		go m.monitor.Start(context.Background(), m.registry.ActiveRecords)
	}
	return nil
}

// Addr returns the bound wire address, or "" before Start.
func (m *Master) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Shutdown stops the monitor and both listeners.
func (m *Master) Shutdown(ctx context.Context) error {
	if m.monitor != nil {
		m.monitor.Stop()
	}
	var errs []error
	if m.httpSrv != nil {
		errs = append(errs, m.httpSrv.Shutdown(ctx))
	}
	errs = append(errs, m.wireSrv.Shutdown(ctx))
	return errors.Join(errs...)
}

func (m *Master) markUnreachable(rec cluster.ShardRecord) {
	if err := m.registry.Deregister(rec.ServerID); err != nil {
		log.Printf("master: %v", err)
		return
	}
	log.Printf("master: %v marked unreachable, epoch %d", rec, m.registry.Epoch())
}

// ServeWire answers REGISTER, DEREGISTER, LOCATE, MEMBERS and PING.
func (m *Master) ServeWire(_ context.Context, req wire.Message) wire.Message {
	switch req.Kind {
	case wire.KindRegister:
		res, err := m.registry.Register(req.Addr)
		if err != nil {
			log.Printf("master: register: %v", err)
			return wire.ErrorReply(wire.ErrProtocol)
		}
		if res.Existing {
			log.Printf("master: %v re-registered", res.Record)
		} else {
			log.Printf("master: registered %v, registry size %d", res.Record, res.Size)
		}
		return wire.Message{
			Kind:     wire.KindAck,
			ServerID: res.Record.ServerID,
			Epoch:    res.Snapshot.Epoch,
			Members:  res.Snapshot.Records,
		}

	case wire.KindDeregister:
		if err := m.registry.Deregister(req.ServerID); err != nil {
			log.Printf("master: %v", err)
			return wire.ErrorReply(wire.ErrNotFound)
		}
		log.Printf("master: server %d deregistered", req.ServerID)
		return wire.Message{Kind: wire.KindAck, Epoch: m.registry.Epoch()}

	case wire.KindLocate:
		if !req.HasKey {
			return wire.ErrorReply(wire.ErrProtocol)
		}
		rec, epoch, err := m.registry.Locate(req.Key)
		if err != nil {
			return wire.ErrorReply(wire.KindOf(err))
		}
		return wire.Message{
			Kind:     wire.KindAck,
			Key:      req.Key,
			HasKey:   true,
			Addr:     rec.Addr,
			ServerID: rec.ServerID,
			Epoch:    epoch,
		}

	case wire.KindMembers:
		snap := m.registry.Snapshot()
		return wire.Message{Kind: wire.KindAck, Epoch: snap.Epoch, Members: snap.Records}

	case wire.KindPing:
		return wire.Ack()
	}

	log.Printf("master: unexpected %v", req)
	return wire.ErrorReply(wire.ErrProtocol)
}

// StatusHandler returns the HTTP status endpoints:
//
//	GET /health           200 OK
//	GET /members          registry snapshot as JSON
//	GET /locate?key=N     owner of N as JSON, 503 on an empty registry
func (m *Master) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/members", m.handleMembers)
	mux.HandleFunc("/locate", m.handleLocate)
	return mux
}

func (m *Master) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := m.registry.Snapshot()
	response := struct {
		Records []cluster.ShardRecord `json:"records"`
		Epoch   uint64                `json:"epoch"`
		Active  int                   `json:"active"`
	}{
		Records: snap.Records,
		Epoch:   snap.Epoch,
		Active:  len(snap.Active()),
	}
	if response.Records == nil {
		response.Records = []cluster.ShardRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (m *Master) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, err := strconv.ParseInt(r.URL.Query().Get("key"), 10, 64)
	if err != nil {
		http.Error(w, "key must be an integer", http.StatusBadRequest)
		return
	}

	rec, epoch, err := m.registry.Locate(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	response := struct {
		Owner cluster.ShardRecord `json:"owner"`
		Key   int64               `json:"key"`
		Epoch uint64              `json:"epoch"`
	}{Owner: rec, Key: key, Epoch: epoch}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
