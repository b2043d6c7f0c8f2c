// Package upstream dials and TLS-upgrades connections to origin servers for
// the FORWARD_UP step of the Connection Handler.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/timing"
)

// Config describes a single upstream connection attempt.
type Config struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int

	// SNI overrides the TLS ServerName sent to the origin. Empty means Host.
	SNI string

	ConnTimeout time.Duration
	DNSTimeout  time.Duration
}

// ConnectionMetadata records what Connect actually did, for logging and for
// attaching latency/TLS detail to model.Response.
type ConnectionMetadata struct {
	ConnectedIP    string
	ConnectedPort  int
	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
}

// originCipherSuites is the TLS 1.2 allowlist for origin handshakes: ECDHE
// with AEAD only. TLS 1.3 suites are fixed by crypto/tls and need no list.
var originCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// Dialer dials and, when required, TLS-upgrades a connection to an origin
// server. It carries no connection pool: every request gets a fresh
// upstream connection.
type Dialer struct {
	resolver *net.Resolver
}

// New returns a Dialer using the default system resolver.
func New() *Dialer {
	return &Dialer{resolver: net.DefaultResolver}
}

// NewWithResolver returns a Dialer using a caller-supplied resolver, for tests.
func NewWithResolver(resolver *net.Resolver) *Dialer {
	return &Dialer{resolver: resolver}
}

// Connect establishes a connection per cfg, retrying the dial step at most
// twice within a 500ms budget. TLS handshake failures are not retried.
func (d *Dialer) Connect(ctx context.Context, cfg Config, timer *timing.Timer) (net.Conn, *ConnectionMetadata, error) {
	if cfg.Host == "" {
		return nil, nil, errors.NewValidationError("upstream host cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, nil, errors.NewValidationError("upstream port must be between 1 and 65535")
	}

	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}

	dialAddr, err := d.resolveAddress(ctx, cfg, timer)
	if err != nil {
		return nil, nil, errors.NewUpstreamUnreachableError(cfg.Host, cfg.Port, err)
	}

	conn, err := d.dialWithRetry(ctx, dialAddr, connTimeout, timer)
	if err != nil {
		return nil, nil, errors.NewUpstreamUnreachableError(cfg.Host, cfg.Port, err)
	}

	metadata := &ConnectionMetadata{}
	if host, portStr, splitErr := net.SplitHostPort(dialAddr); splitErr == nil {
		metadata.ConnectedIP = host
		if port, convErr := strconv.Atoi(portStr); convErr == nil {
			metadata.ConnectedPort = port
		}
	}

	if cfg.Scheme == "https" {
		tlsConn, tlsErr := d.upgradeTLS(ctx, conn, cfg, timer, metadata)
		if tlsErr != nil {
			conn.Close()
			return nil, nil, errors.NewUpstreamTLSError(cfg.Host, cfg.Port, tlsErr)
		}
		conn = tlsConn
	}

	return conn, metadata, nil
}

// dialWithRetry attempts the TCP dial up to MaxUpstreamDialAttempts times,
// spending no more than UpstreamRetryBudget in total across retries.
func (d *Dialer) dialWithRetry(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	const maxAttempts = 3
	const retryBudget = 500 * time.Millisecond

	var lastErr error
	deadline := time.Now().Add(retryBudget)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := d.connectTCP(ctx, dialAddr, timeout, timer)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == maxAttempts-1 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Until(deadline) / time.Duration(maxAttempts-attempt)):
		}
	}

	return nil, lastErr
}

func (d *Dialer) resolveAddress(ctx context.Context, cfg Config, timer *timing.Timer) (string, error) {
	timer.Begin(timing.PhaseResolve)
	defer timer.End(timing.PhaseResolve)

	dnsTimeout := cfg.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = 5 * time.Second
	}

	ctxLookup, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(ctxLookup, cfg.Host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no IP addresses found for %s", cfg.Host)
	}

	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(cfg.Port)), nil
}

func (d *Dialer) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.Begin(timing.PhaseConnect)
	defer timer.End(timing.PhaseConnect)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

// upgradeTLS wraps conn in a client-side TLS session, verifying the origin's
// certificate against the system trust store, never the local root.
func (d *Dialer) upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, timer *timing.Timer, metadata *ConnectionMetadata) (net.Conn, error) {
	timer.Begin(timing.PhaseTLS)
	defer timer.End(timing.PhaseTLS)

	handshakeTimeout := cfg.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: originCipherSuites,
		NextProtos:   []string{"http/1.1"},
	}
	ConfigureSNI(tlsCfg, cfg.SNI, false, cfg.Host)
	metadata.TLSServerName = tlsCfg.ServerName

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, err
	}

	state := tlsConn.ConnectionState()
	metadata.TLSVersion = tls.VersionName(state.Version)
	metadata.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)

	return tlsConn, nil
}

// ConfigureSNI applies Server Name Indication to tlsCfg in priority
// order: an already-set ServerName
// wins, then disableSNI, then customSNI, then fallbackHost.
func ConfigureSNI(tlsCfg *tls.Config, customSNI string, disableSNI bool, fallbackHost string) {
	if tlsCfg == nil || tlsCfg.ServerName != "" {
		return
	}
	if disableSNI {
		return
	}
	if customSNI != "" {
		tlsCfg.ServerName = customSNI
		return
	}
	tlsCfg.ServerName = fallbackHost
}
