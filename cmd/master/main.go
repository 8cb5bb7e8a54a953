// Package main runs the keyshard master, which keeps the shard registry and
// answers REGISTER, DEREGISTER, LOCATE and MEMBERS over the wire protocol.
//
// Configuration (flags override environment):
//   - -port / MASTER_PORT: wire protocol port (default 1025)
//   - -http / MASTER_HTTP: status listener address, e.g. ":8080" (default off)
//   - -heartbeat / MASTER_HEARTBEAT: shard PING interval (default 1s, 0 disables)
//   - -failures / MASTER_HEARTBEAT_FAILURES: missed PINGs before a shard is
//     marked unreachable (default 3)
//
// Example usage:
//
//	./master -port 1025 -http :8080
//	curl localhost:8080/locate?key=7
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/keyshard/internal/master"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	m := master.New(cfg)
	if err := m.Start(); err != nil {
		logFatal("master: %v", err)
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		log.Printf("master shutdown error: %v", err)
	}
	log.Println("master stopped")
}

// parseConfig reads flags, taking defaults from the environment.
func parseConfig(args []string, output io.Writer) (master.Config, error) {
	fs := flag.NewFlagSet("master", flag.ContinueOnError)
	fs.SetOutput(output)

	port := fs.Int("port", getenvInt("MASTER_PORT", 1025), "wire protocol port")
	fs.IntVar(port, "p", *port, "shorthand for -port")
	status := fs.String("http", getenv("MASTER_HTTP", ""), "status HTTP listen address (empty disables)")
	heartbeat := fs.Duration("heartbeat", getenvDuration("MASTER_HEARTBEAT", time.Second), "shard PING interval (0 disables)")
	failures := fs.Int("failures", getenvInt("MASTER_HEARTBEAT_FAILURES", 3), "missed PINGs before a shard is unreachable")

	if err := fs.Parse(args); err != nil {
		return master.Config{}, err
	}
	if *port <= 0 || *port > 65535 {
		err := fmt.Errorf("invalid port %d", *port)
		fmt.Fprintln(output, err)
		return master.Config{}, err
	}

	return master.Config{
		ListenAddr:        ":" + strconv.Itoa(*port),
		StatusAddr:        *status,
		HeartbeatInterval: *heartbeat,
		HeartbeatFailures: *failures,
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
