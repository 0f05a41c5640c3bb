// Package ssh is the transport behind remote-shell targets: command
// execution and SFTP artifact transfer over a single SSH connection built
// from a target's connection parameters.
package ssh

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the surface the shell provider and migration transfer use.
// Implementations must be safe for concurrent use after Connect.
type Transport interface {
	// Connect establishes the SSH connection, bounded by ctx.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call when not connected.
	Close() error

	// Alive reports whether the connection still answers a trivial command.
	Alive(ctx context.Context) bool

	// Run executes a command on the remote host and returns trimmed
	// stdout/stderr. A non-zero exit status is returned as a *TransportError
	// wrapping the exit error.
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// Upload copies a local file to the remote host via SFTP, creating parent
	// directories as needed.
	Upload(ctx context.Context, localPath, remotePath string, mode uint32) error

	// Download copies a remote file to the local filesystem via SFTP.
	Download(ctx context.Context, remotePath, localPath string) error

	// Checksum returns the sha256 of a remote file.
	Checksum(ctx context.Context, remotePath string) (string, error)
}

// TransportError wraps a transport failure with the operation that produced
// it and classification the caller can act on.
type TransportError struct {
	// Op is the transport operation: dial, execute, upload, download, checksum.
	Op string

	// Err is the underlying error.
	Err error

	// Temporary marks failures worth retrying (connection loss, timeouts).
	Temporary bool

	// AuthFailure marks authentication rejections, which retries won't fix.
	AuthFailure bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a transport error marked temporary.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary
}

// IsAuthFailure reports whether err is a transport authentication failure.
func IsAuthFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.AuthFailure
}
