package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opendeck/deck/pkg/inventory"
)

// Config holds the connection parameters for one remote-shell target.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port, 22 by default.
	Port int

	// User is the SSH username.
	User string

	// Password enables password authentication when set. Key authentication
	// is preferred and used whenever PrivateKeyPath resolves.
	Password string

	// PrivateKeyPath points at the private key file. Empty falls back to the
	// usual keys under ~/.ssh.
	PrivateKeyPath string

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file used for host key verification.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts. Disabled
	// it accepts any host key, which is only acceptable in test environments.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout is the default bound on a single command execution.
	CommandTimeout time.Duration

	// KeepAliveInterval is the keep-alive period; zero disables keep-alives.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns a Config with the defaults deck uses for remote
// shells.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		CommandTimeout:        2 * time.Minute,
		KeepAliveInterval:     0,
	}
}

// FromTarget derives a Config from a remote-shell target's connection map.
// Recognized keys: host, user, port, keyPath, knownHosts, strictHostKey.
func FromTarget(t *inventory.Target) (*Config, error) {
	if t.Kind != inventory.KindRemoteShell {
		return nil, fmt.Errorf("target %q is %s, not %s", t.Name, t.Kind, inventory.KindRemoteShell)
	}
	conn := t.Connection

	cfg := DefaultConfig(conn["host"], conn["user"])
	if raw := conn["port"]; raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("target %q: invalid port %q", t.Name, raw)
		}
		cfg.Port = port
	}
	if keyPath := conn["keyPath"]; keyPath != "" {
		cfg.PrivateKeyPath = keyPath
	}
	if knownHosts := conn["knownHosts"]; knownHosts != "" {
		cfg.KnownHostsPath = knownHosts
	}
	if raw := conn["strictHostKey"]; raw != "" {
		strict, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("target %q: invalid strictHostKey %q", t.Name, raw)
		}
		cfg.StrictHostKeyChecking = strict
	}
	return cfg, nil
}

// Validate checks the configuration before dialing.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	if c.Password == "" {
		if _, err := c.resolveKeyPath(); err != nil {
			return err
		}
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// resolveKeyPath returns the configured private key path, falling back to the
// conventional keys under ~/.ssh.
func (c *Config) resolveKeyPath() (string, error) {
	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return "", fmt.Errorf("private key not found: %s", c.PrivateKeyPath)
		}
		return c.PrivateKeyPath, nil
	}
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no private key configured and no default key found")
}

// clientConfig builds the ssh.ClientConfig used for dialing.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
		// Many servers present password prompts via keyboard-interactive.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	} else {
		keyPath, err := c.resolveKeyPath()
		if err != nil {
			return nil, err
		}
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
