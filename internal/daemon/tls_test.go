package daemon

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/danmuck/uwbctl/internal/config"
	"github.com/danmuck/uwbctl/internal/testutil/testlog"
	"github.com/danmuck/uwbctl/internal/testutil/tlstest"
)

func TestServeMutualTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "uwbctl-test-ca")
	certFile, keyFile := ca.IssueServerCert(t, dir, "uwbd", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert, clientKey := ca.IssueClientCert(t, dir, "uwb-admin")

	s := newTestService(t, func(cfg *config.Config) {
		cfg.Addr = "127.0.0.1:0"
		cfg.TLS = config.TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: ca.CAFile(), Mutual: true}
	})
	ln, err := s.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "https://" + ln.Addr().String() + "/health"

	anon := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: ca.ClientConfig(t, "", "")},
	}
	if resp, err := anon.Get(url); err == nil {
		resp.Body.Close()
		t.Fatalf("expected handshake failure without client certificate")
	}

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: ca.ClientConfig(t, clientCert, clientKey)},
	}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get health over mtls: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
