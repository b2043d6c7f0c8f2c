package handler

import (
	"strconv"
	"strings"
	"time"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

func blockedResponse() *model.Response {
	return syntheticResponse(403, "Forbidden", []byte("This request was blocked by policy.\n"))
}

func malformedRequestResponse() *model.Response {
	return syntheticResponse(400, "Bad Request", []byte("Malformed request.\n"))
}

func payloadTooLargeResponse() *model.Response {
	return syntheticResponse(413, "Payload Too Large", []byte("Payload too large.\n"))
}

func badGatewayResponse() *model.Response {
	return syntheticResponse(502, "Bad Gateway", []byte("Bad Gateway.\n"))
}

func gatewayTimeoutResponse() *model.Response {
	return syntheticResponse(504, "Gateway Timeout", []byte("Gateway Timeout.\n"))
}

// syntheticResponse builds a handler-generated response. Every synthetic
// response closes the connection: it either replaces an origin response the
// client never received, or reflects a policy decision, and in both cases
// pipelining further requests onto the same socket risks confusing framing.
func syntheticResponse(code int, reason string, body []byte) *model.Response {
	headers := model.Headers{
		{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "Connection", Value: "close"},
	}
	return &model.Response{
		StatusCode:  code,
		Reason:      reason,
		HTTPVersion: "HTTP/1.1",
		Headers:     headers,
		Body:        body,
		ReceivedAt:  time.Now(),
	}
}

// decodeErrorResponse maps a Wire Codec decode failure to a response and
// reports whether one should be written at all. A plain IO error usually
// means the client closed an idle keepalive socket, not that it is waiting
// for a response, so nothing is written in that case.
func decodeErrorResponse(err error) (*model.Response, bool) {
	cerr, ok := err.(*ierrors.Error)
	if !ok {
		return malformedRequestResponse(), true
	}
	switch cerr.Type {
	case ierrors.ErrorTypePayloadTooLarge:
		return payloadTooLargeResponse(), true
	case ierrors.ErrorTypeIO:
		return nil, false
	default:
		return malformedRequestResponse(), true
	}
}

// forwardErrorResponse maps a FORWARD_UP failure to a synthetic response;
// forceClose is always true since the client never got a clean response
// from the origin.
func forwardErrorResponse(err error) (*model.Response, bool) {
	cerr, ok := err.(*ierrors.Error)
	if !ok {
		return badGatewayResponse(), true
	}
	switch cerr.Type {
	case ierrors.ErrorTypeUpstreamTimeout:
		return gatewayTimeoutResponse(), true
	default:
		return badGatewayResponse(), true
	}
}

// keepAliveFor reports whether the connection should loop back to PARSE_REQ
// after relaying resp, per the request/response HTTP version and any
// explicit Connection header.
func keepAliveFor(req *model.Request, resp *model.Response) bool {
	if v, ok := resp.Headers.Get("Connection"); ok && strings.EqualFold(v, "close") {
		return false
	}
	reqConn, _ := req.Headers.Get("Connection")
	if req.HTTPVersion == "HTTP/1.0" {
		return strings.EqualFold(reqConn, "keep-alive")
	}
	return !strings.EqualFold(reqConn, "close")
}
