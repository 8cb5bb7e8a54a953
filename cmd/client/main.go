// Package main is the keyshard command line client. It runs one PUT or GET
// and reports the outcome through its exit code.
//
// Flags (long and short forms):
//
//	-port, -p         shard server port, the first hop when -direct 1
//	-operation, -o    PUT or GET
//	-key, -k          integer key
//	-value, -v        value to store (PUT only)
//	-masterport, -m   master port (default MASTER_PORT or 1025)
//	-direct, -d       1 contacts -port first, 0 asks the master (default 0)
//
// Exit codes:
//   - 0: success; GET prints the value on stdout
//   - 2: GET of a key that was never stored
//   - 1: any other failure
//
// Example usage:
//
//	./client -p 1026 -o PUT -k 7 -v 1000 -m 1025 -d 0
//	./client -p 1026 -o GET -k 7 -m 1025 -d 0
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/keyshard/internal/client"
	"github.com/dreamware/keyshard/internal/wire"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitNotFound = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	host       string
	masterHost string
	operation  string
	value      string
	key        int64
	port       int
	masterPort int
	direct     int
	timeout    time.Duration
	retries    int
	verbose    bool
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.IntVar(&o.port, "port", getenvInt("SHARD_PORT", 0), "shard server port")
	fs.IntVar(&o.port, "p", getenvInt("SHARD_PORT", 0), "shorthand for -port")
	fs.StringVar(&o.operation, "operation", "", "PUT or GET")
	fs.StringVar(&o.operation, "o", "", "shorthand for -operation")
	fs.Int64Var(&o.key, "key", 0, "integer key")
	fs.Int64Var(&o.key, "k", 0, "shorthand for -key")
	fs.StringVar(&o.value, "value", "", "value to store")
	fs.StringVar(&o.value, "v", "", "shorthand for -value")
	fs.IntVar(&o.masterPort, "masterport", getenvInt("MASTER_PORT", 1025), "master port")
	fs.IntVar(&o.masterPort, "m", getenvInt("MASTER_PORT", 1025), "shorthand for -masterport")
	fs.IntVar(&o.direct, "direct", 0, "1 contacts -port first, 0 asks the master")
	fs.IntVar(&o.direct, "d", 0, "shorthand for -direct")
	fs.StringVar(&o.host, "host", getenv("SHARD_HOST", "localhost"), "shard server host")
	fs.StringVar(&o.masterHost, "masterhost", getenv("MASTER_HOST", "localhost"), "master host")
	fs.DurationVar(&o.timeout, "timeout", wire.DefaultTimeout, "per-call timeout")
	fs.IntVar(&o.retries, "retries", 3, "retries on connection failure")
	fs.BoolVar(&o.verbose, "verbose", false, "log every hop")

	if err := fs.Parse(args); err != nil {
		return o, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	o.operation = strings.ToUpper(o.operation)
	switch {
	case o.operation != "PUT" && o.operation != "GET":
		return o, fmt.Errorf("operation must be PUT or GET, got %q", o.operation)
	case !set["key"] && !set["k"]:
		return o, errors.New("the key is required")
	case o.operation == "PUT" && !set["value"] && !set["v"]:
		return o, errors.New("the value is required for PUT")
	case o.direct != 0 && o.direct != 1:
		return o, fmt.Errorf("direct must be 0 or 1, got %d", o.direct)
	case o.direct == 1 && o.port <= 0:
		return o, errors.New("the server port is required with -direct 1")
	}
	return o, nil
}

func (o options) clientConfig() client.Config {
	return client.Config{
		MasterAddr: net.JoinHostPort(o.masterHost, strconv.Itoa(o.masterPort)),
		Direct:     o.direct == 1,
		Timeout:    o.timeout,
		Retries:    o.retries,
		Verbose:    o.verbose,
	}
}

func (o options) serverAddr() string {
	if o.port <= 0 {
		return ""
	}
	return net.JoinHostPort(o.host, strconv.Itoa(o.port))
}

// run executes one operation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseOptions(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return exitFailure
	}
	c := client.New(o.clientConfig())
	switch o.operation {
	case "PUT":
		_, err = c.Put(ctx, o.serverAddr(), o.key, []byte(o.value))
	case "GET":
		var value []byte
		value, err = c.Get(ctx, o.serverAddr(), o.key)
		if err == nil {
			fmt.Fprintln(stdout, string(value))
		}
	}

	if err != nil {
		fmt.Fprintf(stderr, "%s %d: %v\n", o.operation, o.key, err)
	}
	return exitCode(err)
}

// exitCode maps an operation error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, wire.ErrNotFound):
		return exitNotFound
	default:
		return exitFailure
	}
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
		return def
	}
	return n
}
