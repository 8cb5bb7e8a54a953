package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dreamware/keyshard/internal/wire"
)

// ErrNoAddress is returned when there is neither a server address nor a
// master to ask.
var ErrNoAddress = errors.New("client: no server or master address")

// Config controls a Client. Zero values take the defaults noted below.
type Config struct {
	// MasterAddr is the master's wire address. Used for LOCATE unless Direct.
	MasterAddr string
	// Timeout bounds each call. Default wire.DefaultTimeout.
	Timeout time.Duration
	// Retries is how many times an Unreachable operation is repeated.
	// Default 3; negative disables retries.
	Retries int
	// Backoff is the first delay between retries; it doubles each time.
	// Default 100ms.
	Backoff time.Duration
	// MaxHops is the number of servers one attempt may contact before
	// giving up with ErrRedirectLoop. Default 2.
	MaxHops int
	// Direct sends the first request to the caller's address instead of
	// asking the master.
	Direct bool
	// Verbose logs every hop.
	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = wire.DefaultTimeout
	}
	if c.Retries == 0 {
		c.Retries = 3
	} else if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 2
	}
	return c
}

// Client is safe for concurrent use. Every call opens its own connection.
type Client struct {
	cfg Config
}

// New creates a client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Put stores value under key and returns the version assigned by the owner.
// addr is the first server to contact in Direct mode, and the fallback when
// no master is configured.
func (c *Client) Put(ctx context.Context, addr string, key int64, value []byte) (uint64, error) {
	if value == nil {
		value = []byte{}
	}
	resp, err := c.do(ctx, addr, wire.Message{Kind: wire.KindPut, Key: key, HasKey: true, Value: value})
	if err != nil {
		return 0, fmt.Errorf("put %d: %w", key, err)
	}
	return resp.Version, nil
}

// Get returns the value stored under key. A key its owner has never stored
// is wire.ErrNotFound.
func (c *Client) Get(ctx context.Context, addr string, key int64) ([]byte, error) {
	resp, err := c.do(ctx, addr, wire.Message{Kind: wire.KindGet, Key: key, HasKey: true})
	if err != nil {
		return nil, fmt.Errorf("get %d: %w", key, err)
	}
	if resp.Value == nil {
		return []byte{}, nil
	}
	return resp.Value, nil
}

// Locate asks the master for the owner of key and the registry epoch the
// answer was computed from.
func (c *Client) Locate(ctx context.Context, key int64) (string, uint64, error) {
	if c.cfg.MasterAddr == "" {
		return "", 0, ErrNoAddress
	}
	resp, err := wire.Call(ctx, c.cfg.MasterAddr, wire.Message{Kind: wire.KindLocate, Key: key, HasKey: true}, c.cfg.Timeout)
	if err != nil {
		return "", 0, err
	}
	if err := resp.Err(); err != nil {
		return "", 0, fmt.Errorf("locate %d at %s: %w", key, c.cfg.MasterAddr, err)
	}
	if resp.Kind != wire.KindAck || resp.Addr == "" {
		return "", 0, fmt.Errorf("%w: unexpected %v from master", wire.ErrProtocol, resp)
	}
	return resp.Addr, resp.Epoch, nil
}

// do runs one operation, repeating it while it fails with ErrUnreachable.
func (c *Client) do(ctx context.Context, addr string, req wire.Message) (wire.Message, error) {
	delay := c.cfg.Backoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if c.cfg.Verbose {
				log.Printf("client: retry %d in %v: %v", attempt, delay, lastErr)
			}
			select {
			case <-ctx.Done():
				return wire.Message{}, fmt.Errorf("%w: %w", lastErr, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := c.attempt(ctx, addr, req)
		if err == nil {
			return resp, nil
		}
		if !wire.KindOf(err).Retryable() {
			return wire.Message{}, err
		}
		lastErr = err
	}
	return wire.Message{}, lastErr
}

// attempt resolves the first hop and follows redirects up to MaxHops servers.
func (c *Client) attempt(ctx context.Context, addr string, req wire.Message) (wire.Message, error) {
	target := addr
	if !c.cfg.Direct && c.cfg.MasterAddr != "" {
		owner, epoch, err := c.Locate(ctx, req.Key)
		if err != nil {
			return wire.Message{}, err
		}
		target, req.Epoch = owner, epoch
	}
	if target == "" {
		return wire.Message{}, ErrNoAddress
	}

	for hop := 1; ; hop++ {
		if c.cfg.Verbose {
			log.Printf("client: %v -> %s", req, target)
		}
		resp, err := wire.Call(ctx, target, req, c.cfg.Timeout)
		if err != nil {
			return wire.Message{}, err
		}

		switch resp.Kind {
		case wire.KindAck:
			return resp, nil
		case wire.KindError:
			return wire.Message{}, fmt.Errorf("%s: %w", target, resp.Err())
		case wire.KindRedirect:
			if resp.Addr == "" {
				return wire.Message{}, fmt.Errorf("%w: redirect without address from %s", wire.ErrProtocol, target)
			}
			if hop >= c.cfg.MaxHops {
				return wire.Message{}, fmt.Errorf("%w: key %d, last redirect %s -> %s", wire.ErrRedirectLoop, req.Key, target, resp.Addr)
			}
			if resp.Epoch > req.Epoch {
				req.Epoch = resp.Epoch
			}
			target = resp.Addr
		default:
			return wire.Message{}, fmt.Errorf("%w: unexpected %v from %s", wire.ErrProtocol, resp, target)
		}
	}
}
