// Package handler implements the Connection Handler: the per-connection
// state machine. One Handler.Serve call drives one accepted
// TCP connection end-to-end — plaintext forward-proxy HTTP/1.x or HTTPS via
// CONNECT tunneling and TLS impersonation — consulting the Policy Engine,
// rendezvousing with the reviewer through the Shared Store Facade, and
// forwarding to the origin.
package handler

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nullwire/interceptproxy/pkg/ca"
	"github.com/nullwire/interceptproxy/pkg/constants"
	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
	"github.com/nullwire/interceptproxy/pkg/policy"
	"github.com/nullwire/interceptproxy/pkg/store"
	"github.com/nullwire/interceptproxy/pkg/upstream"
	"github.com/nullwire/interceptproxy/pkg/wire"
)

// errReviewCancelled marks a review aborted because the client closed its
// socket. Serve treats it as a silent close: no response is written,
// nothing is forwarded.
var errReviewCancelled = ierrors.NewCancelledError("review")

// Metrics is the narrow counters/gauges surface the Connection Handler
// drives; pkg/listener's Prometheus-backed implementation satisfies it,
// and tests use a no-op.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	PendingOpened()
	PendingClosed()
	Verdict(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()   {}
func (noopMetrics) ConnectionClosed()   {}
func (noopMetrics) PendingOpened()      {}
func (noopMetrics) PendingClosed()      {}
func (noopMetrics) Verdict(kind string) {}

// Deps are the Connection Handler's injected collaborators; the handler is
// the controller, the rest are capabilities it drives per connection.
type Deps struct {
	CA       *ca.CA
	Store    store.Store
	Policy   *policy.CachedSource
	Upstream *upstream.Dialer
	Logger   hclog.Logger
	Metrics  Metrics
}

// Config tunes a Handler's wire limits and review behavior.
type Config struct {
	Caps wire.Caps

	// VerdictTimeout is the default T in await_verdict(id, T).
	VerdictTimeout time.Duration

	// ReviewBodyCapBytes bounds how much of a response body is buffered for
	// a reviewer before a synthetic 502 is substituted.
	ReviewBodyCapBytes int64

	// ReviewResponses enables the optional response-review rendezvous.
	ReviewResponses bool
}

func (c Config) withDefaults() Config {
	if c.Caps == (wire.Caps{}) {
		c.Caps = wire.DefaultCaps()
	}
	if c.VerdictTimeout <= 0 {
		c.VerdictTimeout = constants.DefaultVerdictTimeout
	}
	if c.ReviewBodyCapBytes <= 0 {
		c.ReviewBodyCapBytes = constants.MaxRawBufferSize
	}
	return c
}

// Handler drives one connection at a time; a Listener constructs one call
// to Serve per accepted socket, and many run concurrently.
type Handler struct {
	deps Deps
	cfg  Config
}

// New builds a Handler. A nil Logger/Metrics falls back to inert defaults.
func New(deps Deps, cfg Config) *Handler {
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	return &Handler{deps: deps, cfg: cfg.withDefaults()}
}

// Serve drives conn end-to-end: PEEK_FIRST_LINE, an optional
// TLS_HANDSHAKE, then PARSE_REQ/EVALUATE_POLICY/.../KEEPALIVE in a loop
// until the connection closes or a non-keepalive response is sent. It
// always closes conn (or its TLS-wrapped successor) before returning.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	active := conn
	defer func() { active.Close() }()

	h.deps.Metrics.ConnectionOpened()
	defer h.deps.Metrics.ConnectionClosed()

	clientAddr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		clientAddr = ra.String()
	}

	br := bufio.NewReader(conn)
	scheme := "http"
	tunnelHost, tunnelPort := "", 0

	peeked, _ := br.Peek(8)
	if string(peeked) == "CONNECT " {
		tlsConn, tlsBr, host, port, err := h.handleConnect(ctx, conn, br)
		if err != nil {
			h.deps.Logger.Error("TLS_HANDSHAKE failed", "host", host, "error", err)
			return
		}
		conn, br = tlsConn, tlsBr
		active = tlsConn
		scheme, tunnelHost, tunnelPort = "https", host, port
	}

	for {
		req, err := wire.DecodeRequest(br, h.cfg.Caps)
		if err != nil {
			if resp, shouldWrite := decodeErrorResponse(err); shouldWrite {
				_ = wire.EncodeResponse(conn, resp)
			}
			return
		}

		req.ID = model.NewRequestID()
		req.ReceivedAt = time.Now()
		req.ClientAddress = clientAddr
		switch {
		case scheme == "https":
			req.Scheme = "https"
			req.Host, req.Port = tunnelHost, tunnelPort
		case req.Scheme == "":
			req.Scheme = "http"
		}
		if req.Host == "" {
			_ = wire.EncodeResponse(conn, malformedRequestResponse())
			return
		}

		keepAlive, err := h.handleOneRequest(ctx, conn, br, req)
		if err != nil {
			if err != errReviewCancelled {
				h.deps.Logger.Error("request handling failed", "request_id", req.ID, "error", err)
			}
			return
		}
		if !keepAlive || ctx.Err() != nil {
			return
		}
	}
}

// handleOneRequest runs EVALUATE_POLICY through WRITE_RESPONSE for one
// decoded request and reports whether the connection should loop back to
// PARSE_REQ.
func (h *Handler) handleOneRequest(ctx context.Context, conn net.Conn, br *bufio.Reader, req *model.Request) (bool, error) {
	mode, bl, polErr := h.deps.Policy.Snapshot(ctx)

	decision := model.DecisionBlock
	if polErr != nil {
		h.deps.Logger.Error("policy snapshot unavailable, failing closed", "request_id", req.ID, "error", polErr)
	} else {
		decision = policy.Evaluate(req, mode, bl)
	}

	effective := req
	var resp *model.Response
	forceClose := false

	switch decision {
	case model.DecisionBlock:
		h.deps.Metrics.Verdict("block")
		resp, forceClose = blockedResponse(), true

	case model.DecisionAllow:
		h.deps.Metrics.Verdict("allow")
		var fwdErr error
		resp, fwdErr = h.forward(ctx, effective, 0)
		if fwdErr != nil {
			h.deps.Logger.Error("FORWARD_UP failed", "request_id", req.ID, "host", req.Host, "error", fwdErr)
			resp, forceClose = forwardErrorResponse(fwdErr)
		}

	case model.DecisionReview:
		var rErr error
		resp, effective, forceClose, rErr = h.review(ctx, conn, br, req)
		if rErr != nil {
			return false, rErr
		}
	}

	if writeErr := wire.EncodeResponse(conn, resp); writeErr != nil {
		return false, writeErr
	}
	if forceClose {
		return false, nil
	}
	return keepAliveFor(effective, resp), nil
}

// review drives EVALUATE_POLICY's review branch: publish_pending,
// await_verdict, and — once a verdict permits it — FORWARD_UP and the
// optional REVIEW_RESPONSE step.
func (h *Handler) review(ctx context.Context, conn net.Conn, br *bufio.Reader, req *model.Request) (resp *model.Response, effective *model.Request, forceClose bool, err error) {
	effective = req

	id, pubErr := h.deps.Store.PublishPending(ctx, req)
	if pubErr != nil {
		h.deps.Logger.Error("publish_pending failed, failing closed", "request_id", req.ID, "error", pubErr)
		h.deps.Metrics.Verdict("block")
		return blockedResponse(), effective, true, nil
	}

	h.deps.Metrics.PendingOpened()
	defer h.deps.Metrics.PendingClosed()

	v, awaitErr := h.awaitVerdictWatched(ctx, conn, br, id)
	if v.Cancelled {
		_ = h.deps.Store.Cancel(context.Background(), id)
		h.deps.Metrics.Verdict("cancelled")
		return nil, effective, false, errReviewCancelled
	}
	if awaitErr != nil {
		h.deps.Logger.Error("await_verdict failed, failing closed", "request_id", id, "error", awaitErr)
		h.deps.Metrics.Verdict("block")
		return blockedResponse(), effective, true, nil
	}

	switch {
	case v.TimedOut:
		h.deps.Metrics.Verdict("timeout")
		return blockedResponse(), effective, true, nil
	case v.Kind == model.VerdictBlock:
		h.deps.Metrics.Verdict("block")
		return blockedResponse(), effective, true, nil
	case v.Kind == model.VerdictAllowEdited && v.EditedRequest != nil:
		h.deps.Metrics.Verdict("edited")
		v.EditedRequest.ID = req.ID
		effective = v.EditedRequest
	default:
		h.deps.Metrics.Verdict("allow")
	}

	fwdResp, fwdErr := h.forward(ctx, effective, h.cfg.ReviewBodyCapBytes)
	if fwdErr != nil {
		h.deps.Logger.Error("FORWARD_UP failed", "request_id", id, "host", effective.Host, "error", fwdErr)
		r, fc := forwardErrorResponse(fwdErr)
		return r, effective, fc, nil
	}
	resp = fwdResp

	if pubErr := h.deps.Store.PublishResponse(ctx, id, resp); pubErr != nil {
		h.deps.Logger.Error("publish_response failed", "request_id", id, "error", pubErr)
	}

	if h.cfg.ReviewResponses {
		resp = h.awaitResponseVerdict(ctx, conn, br, id, resp)
	}

	return resp, effective, false, nil
}

// awaitVerdictWatched calls Store.AwaitVerdict while a background goroutine
// watches the client socket for an early close, cancelling the wait so a
// departed client never leaves a review item pending.
func (h *Handler) awaitVerdictWatched(ctx context.Context, conn net.Conn, br *bufio.Reader, id string) (model.Verdict, error) {
	awaitCtx, cancelAwait := context.WithCancel(ctx)
	defer cancelAwait()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if watchForClientClose(awaitCtx, conn, br) {
			cancelAwait()
		}
	}()

	v, err := h.deps.Store.AwaitVerdict(awaitCtx, id, h.cfg.VerdictTimeout)

	cancelAwait()
	<-watchDone
	_ = conn.SetReadDeadline(time.Time{})

	return v, err
}

// awaitResponseVerdict performs the optional REVIEW_RESPONSE rendezvous: a
// second await_verdict on the same id, whose EditedResponse (if any)
// overrides the relayed response. A timeout, cancellation, or verdict
// without an edited response relays the original response unchanged.
func (h *Handler) awaitResponseVerdict(ctx context.Context, conn net.Conn, br *bufio.Reader, id string, resp *model.Response) *model.Response {
	v, err := h.awaitVerdictWatched(ctx, conn, br, id)
	if err != nil || v.Cancelled || v.TimedOut || v.EditedResponse == nil {
		return resp
	}
	v.EditedResponse.ID = resp.ID
	return v.EditedResponse
}

// watchForClientClose polls the client socket for closure via short-deadline
// peeks, reporting true when the peer has gone away. It never consumes bytes
// the caller hasn't already buffered; awaitVerdictWatched clears the read
// deadline once this returns.
func watchForClientClose(ctx context.Context, conn net.Conn, br *bufio.Reader) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
			if _, err := br.Peek(1); err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return true
			}
			// Unread data ahead is a pipelined next request; leave it for
			// PARSE_REQ, which processes requests strictly serially.
			return false
		}
	}
}
