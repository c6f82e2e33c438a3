// Package sysproxy provides a fallback dialer through an external Tor
// process managed by cretz/bine. It exists for hosts with no directory
// cache and bootstrapping disabled: the same Dial contract, different
// engine.
package sysproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cretz/bine/tor"
	"golang.org/x/net/proxy"

	"github.com/onionkit/onionkit/pkg/logger"
)

// Options configures the fallback proxy
type Options struct {
	// DataDirectory for the external process's state (default: temp dir)
	DataDirectory string
	// StartupTimeout bounds waiting for the external process (default 90s)
	StartupTimeout time.Duration
}

// Client wraps a running external Tor and a SOCKS5 dialer through it
type Client struct {
	process *tor.Tor
	dialer  proxy.Dialer
	logger  *logger.Logger
}

// Start launches the external process and waits for it to be ready
func Start(ctx context.Context, opts *Options, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if opts == nil {
		opts = &Options{}
	}
	timeout := opts.StartupTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	startConf := &tor.StartConf{
		DataDir: opts.DataDirectory,
	}
	process, err := tor.Start(ctx, startConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start external tor: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := process.EnableNetwork(waitCtx, true); err != nil {
		_ = process.Close()
		return nil, fmt.Errorf("external tor failed to bootstrap: %w", err)
	}

	info, err := process.Control.GetInfo("net/listeners/socks")
	if err != nil || len(info) == 0 {
		_ = process.Close()
		return nil, fmt.Errorf("failed to discover SOCKS listener: %w", err)
	}
	addr := info[0].Val

	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		_ = process.Close()
		return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
	}

	log.Component("sysproxy").Info("external tor ready", "socks", addr)
	return &Client{
		process: process,
		dialer:  dialer,
		logger:  log.Component("sysproxy"),
	}, nil
}

// Dial opens a connection through the external process
func (c *Client) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := c.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return c.dialer.Dial(network, addr)
}

// HTTPClient returns an http.Client routed through the proxy
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: c.Dial,
		},
		Timeout: 60 * time.Second,
	}
}

// Close shuts the external process down
func (c *Client) Close() error {
	if c.process != nil {
		return c.process.Close()
	}
	return nil
}
