// Package sinktest starts throwaway sinks on the loopback interface for tests.
package sinktest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"testing"

	"github.com/shineum/smtp-sender-lite/internal/sink"
	smtptls "github.com/shineum/smtp-sender-lite/internal/tls"
)

// Start runs a sink on 127.0.0.1 with an ephemeral port. It is shut down
// when the test finishes.
func Start(t testing.TB, cfg sink.Config) *sink.Server {
	t.Helper()

	cfg.ListenAddr = "127.0.0.1:0"
	srv := sink.New(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("failed to start sink: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("sink: %v", err)
		}
	})
	return srv
}

// TLS returns a server config with a fresh self-signed certificate for
// 127.0.0.1 and localhost, and the pool a client needs to trust it.
func TLS(t testing.TB) (*tls.Config, *x509.CertPool) {
	t.Helper()

	cert, err := smtptls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	pool, err := smtptls.CertPool(cert)
	if err != nil {
		t.Fatalf("failed to build cert pool: %v", err)
	}
	return smtptls.ServerConfig(*cert), pool
}

// HostPort splits the sink address into host and numeric port.
func HostPort(t testing.TB, srv *sink.Server) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("bad sink address %q: %v", srv.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad sink port %q: %v", portStr, err)
	}
	return host, port
}
