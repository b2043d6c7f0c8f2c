package handler

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nullwire/interceptproxy/pkg/ca"
	"github.com/nullwire/interceptproxy/pkg/model"
	"github.com/nullwire/interceptproxy/pkg/policy"
	"github.com/nullwire/interceptproxy/pkg/store/memstore"
	"github.com/nullwire/interceptproxy/pkg/upstream"
	"github.com/nullwire/interceptproxy/pkg/wire"
)

func newTestCA(t *testing.T) (*ca.CA, *x509.CertPool) {
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
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(root.CertPEM) {
		t.Fatalf("root PEM did not parse")
	}
	return authority, pool
}

func newTestHandler(t *testing.T, st *memstore.Store, authority *ca.CA, cfg Config) *Handler {
	t.Helper()
	return New(Deps{
		CA:       authority,
		Store:    st,
		Policy:   policy.NewCachedSource(st, 0),
		Upstream: upstream.New(),
	}, cfg)
}

// origin is a mock upstream: it accepts connections, decodes one request per
// connection, records its serialized form, and replies with a fixed payload.
type origin struct {
	host     string
	port     int
	response string

	mu       sync.Mutex
	received [][]byte
}

func startOrigin(t *testing.T, response string) *origin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	o := &origin{
		host:     "127.0.0.1",
		port:     ln.Addr().(*net.TCPAddr).Port,
		response: response,
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go o.serve(conn)
		}
	}()
	return o
}

func (o *origin) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	req, err := wire.DecodeRequest(br, wire.DefaultCaps())
	if err != nil {
		return
	}
	var buf bytes.Buffer
	if err := wire.EncodeRequest(&buf, req); err != nil {
		return
	}
	o.mu.Lock()
	o.received = append(o.received, buf.Bytes())
	o.mu.Unlock()
	conn.Write([]byte(o.response))
}

func (o *origin) lastReceived() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.received) == 0 {
		return nil
	}
	return o.received[len(o.received)-1]
}

func (o *origin) connectionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.received)
}

// serveOnPipe runs h.Serve over one end of an in-process pipe and returns
// the client end plus a done channel closed when Serve returns.
func serveOnPipe(t *testing.T, h *Handler) (net.Conn, chan struct{}) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), serverConn)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not return after client close")
		}
	})
	return clientConn, done
}

func awaitPendingID(t *testing.T, st *memstore.Store) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ids := st.PendingIDs(); len(ids) > 0 {
			return ids[len(ids)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no pending request appeared")
	return ""
}

func readClientResponse(t *testing.T, conn net.Conn) *model.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	resp, err := wire.DecodeResponse(bufio.NewReader(conn), wire.DefaultCaps())
	if err != nil {
		t.Fatalf("reading client response failed: %v", err)
	}
	return resp
}

func TestInterceptAllowForwardsToOrigin(t *testing.T) {
	o := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nOK")
	st := memstore.New(model.ModeIntercept, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{VerdictTimeout: 5 * time.Second})
	clientConn, _ := serveOnPipe(t, h)

	go func() {
		id := ""
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if ids := st.PendingIDs(); len(ids) > 0 {
				id = ids[0]
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		st.Deliver(id, model.Verdict{Kind: model.VerdictAllow})
	}()

	target := "http://" + net.JoinHostPort(o.host, strconv.Itoa(o.port)) + "/"
	_, err := clientConn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: " + o.host + "\r\n\r\n"))
	if err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d %s", resp.StatusCode, resp.Reason)
	}
	if string(resp.Body) != "OK" {
		t.Fatalf("expected body %q, got %q", "OK", resp.Body)
	}
}

func TestInterceptEditedRequestReachesOriginEdited(t *testing.T) {
	o := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	st := memstore.New(model.ModeIntercept, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{VerdictTimeout: 5 * time.Second})
	clientConn, _ := serveOnPipe(t, h)

	editedBody := `{"u":"a","p":"c"}`
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			ids := st.PendingIDs()
			if len(ids) == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			orig, _ := st.Pending(ids[0])
			edited := *orig
			edited.Body = []byte(editedBody)
			edited.Headers = append(model.Headers(nil), orig.Headers...)
			edited.Headers.Set("Content-Length", strconv.Itoa(len(editedBody)))
			st.Deliver(ids[0], model.Verdict{Kind: model.VerdictAllowEdited, EditedRequest: &edited})
			return
		}
	}()

	body := `{"u":"a","p":"b"}`
	target := "http://" + net.JoinHostPort(o.host, strconv.Itoa(o.port)) + "/login"
	req := "POST " + target + " HTTP/1.1\r\nHost: " + o.host + "\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	received := o.lastReceived()
	if !bytes.Contains(received, []byte(editedBody)) {
		t.Fatalf("origin did not receive the edited body; got:\n%s", received)
	}
	if bytes.Contains(received, []byte(body)) {
		t.Fatalf("origin received the original body despite the edit")
	}
}

func TestInterceptBlockVerdictAnswers403(t *testing.T) {
	st := memstore.New(model.ModeIntercept, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{VerdictTimeout: 5 * time.Second})
	clientConn, _ := serveOnPipe(t, h)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if ids := st.PendingIDs(); len(ids) > 0 {
				st.Deliver(ids[0], model.Verdict{Kind: model.VerdictBlock})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	if _, err := clientConn.Write([]byte("GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if v, _ := resp.Headers.Get("Connection"); !strings.EqualFold(v, "close") {
		t.Fatalf("expected Connection: close on a blocked response, got %q", v)
	}
}

func TestFilterModeDomainBlockSkipsReview(t *testing.T) {
	st := memstore.New(model.ModeFilter, model.Blocklist{Domains: []string{"*.bad.test"}})
	h := newTestHandler(t, st, nil, Config{})
	clientConn, _ := serveOnPipe(t, h)

	if _, err := clientConn.Write([]byte("GET http://x.bad.test/ HTTP/1.1\r\nHost: x.bad.test\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if ids := st.PendingIDs(); len(ids) != 0 {
		t.Fatalf("filter mode must not create review items, found %d", len(ids))
	}
}

func TestFilterModeKeywordBlockSkipsReview(t *testing.T) {
	st := memstore.New(model.ModeFilter, model.Blocklist{Keywords: []string{"secret"}})
	h := newTestHandler(t, st, nil, Config{})
	clientConn, _ := serveOnPipe(t, h)

	if _, err := clientConn.Write([]byte("GET http://ok.test/path?q=secret HTTP/1.1\r\nHost: ok.test\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if ids := st.PendingIDs(); len(ids) != 0 {
		t.Fatalf("filter mode must not create review items, found %d", len(ids))
	}
}

func TestFilterModeAllowForwardsWithoutReview(t *testing.T) {
	o := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello")
	st := memstore.New(model.ModeFilter, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{})
	clientConn, _ := serveOnPipe(t, h)

	target := "http://" + net.JoinHostPort(o.host, strconv.Itoa(o.port)) + "/"
	if _, err := clientConn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: " + o.host + "\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 200 || string(resp.Body) != "hello" {
		t.Fatalf("expected 200 hello, got %d %q", resp.StatusCode, resp.Body)
	}
	if ids := st.PendingIDs(); len(ids) != 0 {
		t.Fatalf("filter mode must not create review items, found %d", len(ids))
	}
}

func TestUpstreamUnreachableAnswers502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens on port anymore

	st := memstore.New(model.ModeFilter, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{})
	clientConn, _ := serveOnPipe(t, h)

	target := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/"
	if _, err := clientConn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 502 {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestVerdictTimeoutIsTreatedAsBlock(t *testing.T) {
	st := memstore.New(model.ModeIntercept, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{VerdictTimeout: 50 * time.Millisecond})
	clientConn, _ := serveOnPipe(t, h)

	if _, err := clientConn.Write([]byte("GET http://slow.test/ HTTP/1.1\r\nHost: slow.test\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 403 {
		t.Fatalf("expected a timed-out review to answer 403, got %d", resp.StatusCode)
	}
}

// cancelRecordingStore observes the handler's cancel path.
type cancelRecordingStore struct {
	*memstore.Store
	mu        sync.Mutex
	cancelled []string
}

func (c *cancelRecordingStore) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, id)
	c.mu.Unlock()
	return c.Store.Cancel(ctx, id)
}

func (c *cancelRecordingStore) cancelledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

func TestClientCloseDuringReviewCancelsItem(t *testing.T) {
	inner := memstore.New(model.ModeIntercept, model.Blocklist{})
	st := &cancelRecordingStore{Store: inner}
	h := New(Deps{
		Store:    st,
		Policy:   policy.NewCachedSource(st, 0),
		Upstream: upstream.New(),
	}, Config{VerdictTimeout: time.Minute})

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), serverConn)
	}()

	if _, err := clientConn.Write([]byte("GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n\r\n")); err != nil {
		t.Fatalf("writing request failed: %v", err)
	}
	awaitPendingID(t, inner)
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not unwind after client close")
	}
	if ids := st.cancelledIDs(); len(ids) != 1 {
		t.Fatalf("expected exactly one cancelled item, got %v", ids)
	}
}

// prefixedConn reads through an already-buffered reader before touching the
// underlying pipe, so TLS handshake bytes buffered during the CONNECT
// exchange are not lost.
type prefixedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *prefixedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

func TestConnectTunnelMintsCertAndBlocks(t *testing.T) {
	authority, pool := newTestCA(t)
	st := memstore.New(model.ModeIntercept, model.Blocklist{})
	h := newTestHandler(t, st, authority, Config{VerdictTimeout: 5 * time.Second})
	clientConn, _ := serveOnPipe(t, h)

	if _, err := clientConn.Write([]byte("CONNECT secure.test:443 HTTP/1.1\r\nHost: secure.test:443\r\n\r\n")); err != nil {
		t.Fatalf("writing CONNECT failed: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(clientConn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response failed: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200 Connection Established, got %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading CONNECT response headers failed: %v", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if ids := st.PendingIDs(); len(ids) > 0 {
				st.Deliver(ids[0], model.Verdict{Kind: model.VerdictBlock})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	tlsConn := tls.Client(&prefixedConn{Conn: clientConn, r: br}, &tls.Config{
		ServerName: "secure.test",
		RootCAs:    pool,
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client TLS handshake failed: %v", err)
	}

	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	found := false
	for _, name := range leaf.DNSNames {
		if name == "secure.test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("leaf SAN %v does not cover secure.test", leaf.DNSNames)
	}

	if _, err := tlsConn.Write([]byte("GET / HTTP/1.1\r\nHost: secure.test\r\n\r\n")); err != nil {
		t.Fatalf("writing tunneled request failed: %v", err)
	}
	resp, err := wire.DecodeResponse(bufio.NewReader(tlsConn), wire.DefaultCaps())
	if err != nil {
		t.Fatalf("reading tunneled response failed: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403 inside the tunnel, got %d", resp.StatusCode)
	}
}

func TestKeepAliveServesSequentialRequests(t *testing.T) {
	o := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK")
	st := memstore.New(model.ModeFilter, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{})
	clientConn, _ := serveOnPipe(t, h)

	br := bufio.NewReader(clientConn)
	target := "http://" + net.JoinHostPort(o.host, strconv.Itoa(o.port)) + "/"
	for i := 0; i < 2; i++ {
		clientConn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if _, err := clientConn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: " + o.host + "\r\n\r\n")); err != nil {
			t.Fatalf("writing request %d failed: %v", i, err)
		}
		resp, err := wire.DecodeResponse(br, wire.DefaultCaps())
		if err != nil {
			t.Fatalf("reading response %d failed: %v", i, err)
		}
		if resp.StatusCode != 200 || string(resp.Body) != "OK" {
			t.Fatalf("request %d: expected 200 OK, got %d %q", i, resp.StatusCode, resp.Body)
		}
	}
	if o.connectionCount() != 2 {
		t.Fatalf("expected a fresh upstream connection per request, got %d", o.connectionCount())
	}
}

func TestMalformedRequestAnswers400(t *testing.T) {
	st := memstore.New(model.ModeFilter, model.Blocklist{})
	h := newTestHandler(t, st, nil, Config{})
	clientConn, _ := serveOnPipe(t, h)

	if _, err := clientConn.Write([]byte("NOT-A-REQUEST\r\n\r\n")); err != nil {
		t.Fatalf("writing garbage failed: %v", err)
	}

	resp := readClientResponse(t, clientConn)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
