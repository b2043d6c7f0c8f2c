package listener

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nullwire/interceptproxy/pkg/ca"
	"github.com/nullwire/interceptproxy/pkg/handler"
	"github.com/nullwire/interceptproxy/pkg/model"
	"github.com/nullwire/interceptproxy/pkg/policy"
	"github.com/nullwire/interceptproxy/pkg/store/memstore"
	"github.com/nullwire/interceptproxy/pkg/upstream"
	"github.com/nullwire/interceptproxy/pkg/wire"
)

func startProxy(t *testing.T, st *memstore.Store) (addr string, shutdown func()) {
	t.Helper()

	dir := t.TempDir()
	root, err := ca.LoadOrCreateRoot(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateRoot failed: %v", err)
	}
	authority, err := ca.New(root, ca.Config{KeyAlgorithm: ca.KeyAlgorithmECDSAP256})
	if err != nil {
		t.Fatalf("ca.New failed: %v", err)
	}

	metrics := NewMetrics(authority)
	h := handler.New(handler.Deps{
		CA:       authority,
		Store:    st,
		Policy:   policy.NewCachedSource(st, 0),
		Upstream: upstream.New(),
		Metrics:  metrics,
	}, handler.Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := New(Config{ShutdownGrace: 5 * time.Second}, h, nil, metrics)
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, ln) }()

	return ln.Addr().String(), func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v on shutdown", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("Serve did not return after shutdown")
		}
	}
}

func TestListenerServesProxiedRequest(t *testing.T) {
	// mock origin
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen failed: %v", err)
	}
	defer originLn.Close()
	go func() {
		for {
			conn, err := originLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := wire.DecodeRequest(bufio.NewReader(c), wire.DefaultCaps()); err != nil {
					return
				}
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nOK"))
			}(conn)
		}
	}()
	originPort := originLn.Addr().(*net.TCPAddr).Port

	st := memstore.New(model.ModeFilter, model.Blocklist{})
	addr, shutdown := startProxy(t, st)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing proxy failed: %v", err)
	}
	defer conn.Close()

	target := "http://127.0.0.1:" + strconv.Itoa(originPort) + "/"
	if _, err := conn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	resp, err := wire.DecodeResponse(bufio.NewReader(conn), wire.DefaultCaps())
	if err != nil {
		t.Fatalf("reading response failed: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", resp.StatusCode, resp.Body)
	}
}

func TestListenerShutdownStopsAccepting(t *testing.T) {
	st := memstore.New(model.ModeFilter, model.Blocklist{Domains: []string{"blocked.test"}})
	addr, shutdown := startProxy(t, st)

	// The proxy is reachable before shutdown.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing proxy failed: %v", err)
	}
	conn.Close()

	shutdown()

	if conn, err := net.Dial("tcp", addr); err == nil {
		conn.Close()
		t.Fatalf("expected dial to fail after shutdown")
	}
}

func TestFilterBlockThroughListener(t *testing.T) {
	st := memstore.New(model.ModeFilter, model.Blocklist{Domains: []string{"blocked.test"}})
	addr, shutdown := startProxy(t, st)
	defer shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing proxy failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET http://blocked.test/ HTTP/1.1\r\nHost: blocked.test\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	resp, err := wire.DecodeResponse(bufio.NewReader(conn), wire.DefaultCaps())
	if err != nil {
		t.Fatalf("reading response failed: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Reason, "Forbidden") {
		t.Fatalf("expected Forbidden reason, got %q", resp.Reason)
	}
}
