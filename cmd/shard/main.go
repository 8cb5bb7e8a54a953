// Package main runs a keyshard shard server. It registers with the master,
// stores the keys it owns and redirects requests for keys it does not.
//
// Configuration (flags override environment):
//   - -port / SHARD_PORT: wire protocol port (default 1026)
//   - -host / SHARD_HOST: host name advertised to the master (default localhost)
//   - -masterport / MASTER_PORT: master port (default 1025)
//   - -masterhost / MASTER_HOST: master host (default localhost)
//   - -refresh / SHARD_REFRESH: membership refresh interval (default 1s)
//   - -http / SHARD_HTTP: status listener address (default off)
//
// Example usage:
//
//	./master -port 1025 &
//	./shard -port 1026 -masterport 1025 &
//	./shard -port 1027 -masterport 1025 -http :8082 &
//	curl localhost:8082/info
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/keyshard/internal/shard"
	"github.com/dreamware/keyshard/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := shard.New(cfg, storage.NewMemoryStore())
	if err := s.Start(ctx); err != nil {
		logFatal("shard: %v", err)
		return
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("shard shutdown error: %v", err)
	}
	log.Printf("shard[%d] stopped", s.ID())
}

// parseConfig reads flags, taking defaults from the environment.
func parseConfig(args []string, output io.Writer) (shard.Config, error) {
	fs := flag.NewFlagSet("shard", flag.ContinueOnError)
	fs.SetOutput(output)

	port := fs.Int("port", getenvInt("SHARD_PORT", 1026), "wire protocol port")
	fs.IntVar(port, "p", *port, "shorthand for -port")
	host := fs.String("host", getenv("SHARD_HOST", "localhost"), "host name advertised to the master")
	masterPort := fs.Int("masterport", getenvInt("MASTER_PORT", 1025), "master port")
	fs.IntVar(masterPort, "m", *masterPort, "shorthand for -masterport")
	masterHost := fs.String("masterhost", getenv("MASTER_HOST", "localhost"), "master host")
	refresh := fs.Duration("refresh", getenvDuration("SHARD_REFRESH", time.Second), "membership refresh interval (0 disables)")
	status := fs.String("http", getenv("SHARD_HTTP", ""), "status HTTP listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		return shard.Config{}, err
	}
	for _, p := range []int{*port, *masterPort} {
		if p <= 0 || p > 65535 {
			err := fmt.Errorf("invalid port %d", p)
			fmt.Fprintln(output, err)
			return shard.Config{}, err
		}
	}

	return shard.Config{
		ListenAddr:      ":" + strconv.Itoa(*port),
		AdvertiseAddr:   net.JoinHostPort(*host, strconv.Itoa(*port)),
		MasterAddr:      net.JoinHostPort(*masterHost, strconv.Itoa(*masterPort)),
		RefreshInterval: *refresh,
		StatusAddr:      *status,
	}, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", k, v, err)
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", k, v, err)
		return def
	}
	return d
}
