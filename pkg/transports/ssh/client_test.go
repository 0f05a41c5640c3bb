package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newDisconnectedClient(t *testing.T) *Client {
	t.Helper()
	config := DefaultConfig("example.com", "deploy")
	config.Password = "secret"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig("", "deploy")
	config.Password = "secret"
	if _, err := NewClient(config); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestRunRequiresConnection(t *testing.T) {
	client := newDisconnectedClient(t)

	_, _, err := client.Run(context.Background(), "true")
	if err == nil {
		t.Fatal("expected error when not connected")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !te.Temporary {
		t.Error("expected not-connected to be temporary")
	}
}

func TestUploadRequiresConnection(t *testing.T) {
	client := newDisconnectedClient(t)

	local := filepath.Join(t.TempDir(), "artifact.tar")
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := client.Upload(context.Background(), local, "/tmp/artifact.tar", 0o644); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestCloseWithoutConnect(t *testing.T) {
	client := newDisconnectedClient(t)
	if err := client.Close(); err != nil {
		t.Errorf("Close on disconnected client failed: %v", err)
	}
}

func TestAliveWhenDisconnected(t *testing.T) {
	client := newDisconnectedClient(t)
	if client.Alive(context.Background()) {
		t.Error("expected disconnected client to report not alive")
	}
}

func TestTransportErrorClassification(t *testing.T) {
	timeout := &TransportError{Op: "dial", Err: context.DeadlineExceeded, Temporary: true}
	if !IsTemporary(timeout) {
		t.Error("expected timeout to be temporary")
	}
	if IsAuthFailure(timeout) {
		t.Error("timeout is not an auth failure")
	}

	auth := &TransportError{Op: "dial", Err: fmt.Errorf("unable to authenticate"), AuthFailure: true}
	if !IsAuthFailure(auth) {
		t.Error("expected auth failure classification")
	}
	if IsTemporary(auth) {
		t.Error("auth failure is not temporary")
	}

	wrapped := fmt.Errorf("probe: %w", auth)
	if !IsAuthFailure(wrapped) {
		t.Error("expected classification to survive wrapping")
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("plain errors are not transport errors")
	}
}

func TestIsAuthError(t *testing.T) {
	if !isAuthError(fmt.Errorf("ssh: unable to authenticate, attempted methods [publickey]")) {
		t.Error("expected auth error detection")
	}
	if isAuthError(fmt.Errorf("connection refused")) {
		t.Error("connection refused is not an auth error")
	}
	if isAuthError(nil) {
		t.Error("nil is not an auth error")
	}
}

func TestLocalChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact.tar")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	sum, err := LocalChecksum(path)
	if err != nil {
		t.Fatalf("LocalChecksum failed: %v", err)
	}
	// sha256("payload")
	if sum != "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5" {
		t.Errorf("unexpected checksum %s", sum)
	}

	if _, err := LocalChecksum(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing file")
	}
}
