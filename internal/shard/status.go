package shard

import (
	"encoding/json"
	"net/http"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/storage"
)

// ShardInfo is the /info response.
type ShardInfo struct {
	Members    []cluster.ShardRecord `json:"members"`
	Addr       string                `json:"addr"`
	Stats      OperationStats        `json:"stats"`
	Store      storage.StoreStats    `json:"store"`
	ServerID   uint64                `json:"server_id"`
	Epoch      uint64                `json:"epoch"`
	ActiveSize int                   `json:"active"`
}

// Info reports this server's membership view and counters.
func (s *Server) Info() ShardInfo {
	self, snap := s.shard.Membership()
	info := ShardInfo{
		Members:    snap.Records,
		Addr:       s.AdvertiseAddr(),
		Stats:      s.shard.Stats(),
		Store:      s.shard.Store().Stats(),
		ServerID:   self,
		Epoch:      snap.Epoch,
		ActiveSize: len(snap.Active()),
	}
	if info.Members == nil {
		info.Members = []cluster.ShardRecord{}
	}
	return info
}

// StatusHandler returns the HTTP status endpoints:
//
//	GET /health    200 OK
//	GET /info      ShardInfo as JSON
//	GET /keys      stored keys in ascending order
func (s *Server) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, s.Info())
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		keys := s.shard.Store().Keys()
		if keys == nil {
			keys = []int64{}
		}
		writeJSON(w, struct {
			Keys  []int64 `json:"keys"`
			Count int     `json:"count"`
		}{Keys: keys, Count: len(keys)})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
