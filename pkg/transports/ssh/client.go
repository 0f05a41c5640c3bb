package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is the SSH transport for one remote-shell target. A Client holds at
// most one connection; Connect re-checks health and reuses it when possible.
type Client struct {
	config *Config

	mu        sync.Mutex
	sshClient *ssh.Client
	stopKeep  chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a client for the given configuration.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection. An existing healthy connection is
// reused; a stale one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshClient != nil {
		if c.healthy() {
			return nil
		}
		c.closeLocked()
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "dial", Err: err, AuthFailure: true}
	}

	log.Debug().
		Str("address", c.config.Address()).
		Str("user", c.config.User).
		Msg("dialing ssh")

	// ssh.Dial has its own timeout but no context plumbing; run it in a
	// goroutine so cancellation is honored.
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "dial", Err: ctx.Err(), Temporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{
				Op:          "dial",
				Err:         r.err,
				Temporary:   !isAuthError(r.err),
				AuthFailure: isAuthError(r.err),
			}
		}
		c.sshClient = r.client
	}

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.sshClient, c.stopKeep)
	}

	log.Debug().Str("address", c.config.Address()).Msg("ssh connected")
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.sshClient != nil {
		_ = c.sshClient.Close()
		c.sshClient = nil
	}
}

// Alive reports whether the connection answers a trivial command.
func (c *Client) Alive(ctx context.Context) bool {
	_, _, err := c.Run(ctx, "true")
	return err == nil
}

// healthy runs the health probe on the current connection. Caller holds mu.
func (c *Client) healthy() bool {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Run("true") == nil
}

// getClient returns the live connection or an error when not connected.
func (c *Client) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sshClient == nil {
		return nil, &TransportError{
			Op:        "session",
			Err:       fmt.Errorf("not connected"),
			Temporary: true,
		}
	}
	return c.sshClient, nil
}

// keepAlive sends OpenSSH keep-alives until the connection is closed.
func (c *Client) keepAlive(client *ssh.Client, stop chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("address", c.config.Address()).Msg("ssh keep-alive failed")
				return
			}
		}
	}
}

// isAuthError reports whether the dial error is an authentication rejection.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
