package handler

import (
	"bufio"
	"context"

	"github.com/nullwire/interceptproxy/pkg/model"
	"github.com/nullwire/interceptproxy/pkg/timing"
	"github.com/nullwire/interceptproxy/pkg/upstream"
	"github.com/nullwire/interceptproxy/pkg/wire"
)

// forward performs FORWARD_UP/READ_RESPONSE: dial the origin named by req,
// relay the request, and decode its response. A fresh connection is used
// per request; there is no upstream connection pool.
//
// bodyCap, when non-zero, tightens the codec's MaxBodyBytes for this call —
// the review path passes Config.ReviewBodyCapBytes so a response published
// to the reviewer stays within that bound; a larger body fails the call.
func (h *Handler) forward(ctx context.Context, req *model.Request, bodyCap int64) (*model.Response, error) {
	port := req.Port
	if port == 0 {
		port = defaultPortForScheme(req.Scheme)
	}

	cfg := upstream.Config{
		Scheme: req.Scheme,
		Host:   req.Host,
		Port:   port,
		SNI:    req.Host,
	}

	timer := timing.NewTimer()
	conn, meta, err := h.deps.Upstream.Connect(ctx, cfg, timer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.EncodeRequest(conn, req); err != nil {
		return nil, err
	}

	caps := h.cfg.Caps
	if bodyCap > 0 && (caps.MaxBodyBytes <= 0 || bodyCap < caps.MaxBodyBytes) {
		caps.MaxBodyBytes = bodyCap
	}

	br := bufio.NewReader(conn)
	timer.Begin(timing.PhaseFirstByte)
	if _, err := br.Peek(1); err == nil {
		timer.End(timing.PhaseFirstByte)
	}
	resp, err := wire.DecodeResponse(br, caps)
	if err != nil {
		return nil, err
	}

	m := timer.Snapshot()
	resp.Timing = &m

	h.deps.Logger.Debug("upstream exchange complete",
		"request_id", req.ID,
		"host", req.Host,
		"status", resp.StatusCode,
		"connected_ip", meta.ConnectedIP,
		"tls_version", meta.TLSVersion,
		"timing", m.String())

	return resp, nil
}

func defaultPortForScheme(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
