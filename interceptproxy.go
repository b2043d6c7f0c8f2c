// Package interceptproxy provides an interactive HTTP/HTTPS intercepting
// proxy: a forward proxy that terminates TLS on the fly with a locally
// trusted root, holds transiting requests for out-of-band review, and
// forwards, blocks, or forwards-with-edits based on the reviewer's verdict
// or a declarative block policy.
package interceptproxy

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nullwire/interceptproxy/pkg/ca"
	"github.com/nullwire/interceptproxy/pkg/config"
	"github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/handler"
	"github.com/nullwire/interceptproxy/pkg/listener"
	"github.com/nullwire/interceptproxy/pkg/model"
	"github.com/nullwire/interceptproxy/pkg/policy"
	"github.com/nullwire/interceptproxy/pkg/store"
	"github.com/nullwire/interceptproxy/pkg/upstream"
	"github.com/nullwire/interceptproxy/pkg/wire"
)

// Version is the current version of the interceptproxy module.
const Version = "1.0.0"

// GetVersion returns the current version of the module.
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Request is a fully-decoded client request.
	Request = model.Request

	// Response is an origin or synthetic HTTP response.
	Response = model.Response

	// Verdict is a reviewer's decision about a pending request.
	Verdict = model.Verdict

	// Blocklist holds the domain patterns and keyword substrings the
	// Policy Engine blocks on.
	Blocklist = model.Blocklist

	// PolicyMode selects intercept (human review) or filter (policy-only)
	// operation.
	PolicyMode = model.PolicyMode

	// Store is the shared-store facade the proxy and the review control
	// plane rendezvous through.
	Store = store.Store

	// Config is the proxy's process-wide configuration.
	Config = config.Config

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export error types for convenience
const (
	ErrorTypeMalformedRequest    = errors.ErrorTypeMalformedRequest
	ErrorTypeAmbiguousLength     = errors.ErrorTypeAmbiguousLength
	ErrorTypePayloadTooLarge     = errors.ErrorTypePayloadTooLarge
	ErrorTypeTLS                 = errors.ErrorTypeTLS
	ErrorTypeUpstreamUnreachable = errors.ErrorTypeUpstreamUnreachable
	ErrorTypeUpstreamTLS         = errors.ErrorTypeUpstreamTLS
	ErrorTypeUpstreamTimeout     = errors.ErrorTypeUpstreamTimeout
	ErrorTypeStoreUnavailable    = errors.ErrorTypeStoreUnavailable
	ErrorTypeRootLoad            = errors.ErrorTypeRootLoad
	ErrorTypeMint                = errors.ErrorTypeMint
	ErrorTypeCancelled           = errors.ErrorTypeCancelled
)

// Re-export policy modes
const (
	ModeIntercept = model.ModeIntercept
	ModeFilter    = model.ModeFilter
)

// Proxy wires the interception data plane: CA, store facade, policy engine,
// connection handler, and listener. One Proxy serves one listen address.
type Proxy struct {
	listener *listener.Listener
	metrics  *listener.Metrics
}

// Options controls how NewProxy assembles a Proxy. Store is required; the
// remaining fields fall back to the defaults of the underlying packages.
type Options struct {
	// ListenAddr is the TCP address the proxy accepts on.
	ListenAddr string

	// CACertPath/CAKeyPath locate the root CA files, created on first run.
	CACertPath string
	CAKeyPath  string

	// Store is the shared-store facade pending requests and verdicts flow
	// through.
	Store store.Store

	// VerdictTimeout bounds how long a held request waits for a verdict.
	VerdictTimeout time.Duration

	// ReviewResponses enables the optional response-review rendezvous.
	ReviewResponses bool

	// Logger receives structured lifecycle and error records. Nil disables
	// logging.
	Logger hclog.Logger
}

// NewProxy assembles a ready-to-run Proxy from opts.
func NewProxy(opts Options) (*Proxy, error) {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.CACertPath == "" {
		opts.CACertPath = "ca.crt"
	}
	if opts.CAKeyPath == "" {
		opts.CAKeyPath = "ca.key"
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	root, err := ca.LoadOrCreateRoot(opts.CACertPath, opts.CAKeyPath)
	if err != nil {
		return nil, err
	}
	authority, err := ca.New(root, ca.Config{})
	if err != nil {
		return nil, err
	}

	metrics := listener.NewMetrics(authority)
	h := handler.New(handler.Deps{
		CA:       authority,
		Store:    opts.Store,
		Policy:   policy.NewCachedSource(opts.Store, 0),
		Upstream: upstream.New(),
		Logger:   opts.Logger.Named("handler"),
		Metrics:  metrics,
	}, handler.Config{
		Caps:            wire.DefaultCaps(),
		VerdictTimeout:  opts.VerdictTimeout,
		ReviewResponses: opts.ReviewResponses,
	})

	ln := listener.New(listener.Config{Addr: opts.ListenAddr}, h, opts.Logger.Named("listener"), metrics)
	return &Proxy{listener: ln, metrics: metrics}, nil
}

// Run serves until ctx is cancelled, then drains in-flight connections.
func (p *Proxy) Run(ctx context.Context) error {
	return p.listener.Run(ctx)
}

// Metrics returns the proxy's Prometheus metric set, for mounting its
// Handler on a metrics endpoint.
func (p *Proxy) Metrics() *listener.Metrics {
	return p.metrics
}
