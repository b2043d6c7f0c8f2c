// Package wire implements the HTTP/1.x Wire Codec: decoding and encoding of
// Request/Response values against raw byte streams.
//
// The codec is purely functional over its reader/writer: it performs no I/O
// retries, and a short read surfaces as an error rather than being
// silently tolerated.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/nullwire/interceptproxy/pkg/buffer"
	"github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

// Caps bounds the codec's tolerance for oversized input.
type Caps struct {
	MaxLineLength  int   // a single request/status/header line
	MaxHeaderBytes int   // the whole header section, CRLFCRLF included
	MaxBodyBytes   int64 // a body: Content-Length, chunked total, or read-until-close
}

// DefaultCaps mirrors the proxy's configuration defaults (pkg/config).
func DefaultCaps() Caps {
	return Caps{
		MaxLineLength:  64 * 1024,
		MaxHeaderBytes: 256 * 1024,
		MaxBodyBytes:   1024 * 1024 * 1024 * 1024,
	}
}

// DecodeRequest reads a request-line, headers, and body from r.
//
// The request-target is parsed three ways: origin-form ("/path", the normal
// case once a tunnel is established), absolute-form ("http://host/path", a
// plaintext forward-proxy request), and authority-form ("host:port", a
// CONNECT target). Absolute-form requests have Scheme/Host/Port/Path filled
// in directly; authority-form requests get Scheme "https" and Host/Port from
// the target. Origin-form requests take Host/Port from the Host header (port
// 80 when the header names none) and leave Scheme empty for the Connection
// Handler to fill in, since that depends on which branch of the state
// machine is decoding.
func DecodeRequest(r *bufio.Reader, caps Caps) (*model.Request, error) {
	requestLine, err := readLine(r, caps.MaxLineLength)
	if err != nil {
		return nil, err
	}

	method, target, version, err := parseRequestLine(requestLine)
	if err != nil {
		return nil, err
	}

	req := &model.Request{
		Method:      method,
		HTTPVersion: version,
	}

	if err := applyRequestTarget(req, target); err != nil {
		return nil, err
	}

	headers, err := readHeaderSection(r, caps)
	if err != nil {
		return nil, err
	}

	if host, ok := headers.Get("Host"); ok && req.Host == "" {
		req.Host, req.Port = splitHostPort(host, schemeDefaultPort(req.Scheme))
	}

	body, err := readBody(r, &headers, caps, method, 0)
	if err != nil {
		return nil, err
	}
	req.Headers = headers
	req.Body = body

	return req, nil
}

// DecodeResponse reads a status-line, headers, and body from r. A response
// with neither Content-Length nor chunked Transfer-Encoding is read until the
// connection closes, per Connection: close semantics.
func DecodeResponse(r *bufio.Reader, caps Caps) (*model.Response, error) {
	statusLine, err := readLine(r, caps.MaxLineLength)
	if err != nil {
		return nil, err
	}

	version, code, reason, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	resp := &model.Response{
		HTTPVersion: version,
		StatusCode:  code,
		Reason:      reason,
	}

	headers, err := readHeaderSection(r, caps)
	if err != nil {
		return nil, err
	}

	body, err := readBody(r, &headers, caps, "", code)
	if err != nil {
		return nil, err
	}
	resp.Headers = headers
	resp.Body = body

	return resp, nil
}

// EncodeRequest writes req in origin-form: request-line, headers in
// insertion order (never reordered nor re-cased), then body.
func EncodeRequest(w io.Writer, req *model.Request) error {
	bw := bufio.NewWriter(w)

	path := req.Path
	if path == "" {
		path = "/"
	}
	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", req.Method, path, nonEmpty(req.HTTPVersion, "HTTP/1.1")); err != nil {
		return errors.NewIOError("writing request line", err)
	}

	if err := writeHeadersAndBody(bw, req.Headers, req.Body); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return errors.NewIOError("flushing request", err)
	}
	return nil
}

// EncodeResponse writes resp: status-line, headers in insertion order, body.
func EncodeResponse(w io.Writer, resp *model.Response) error {
	bw := bufio.NewWriter(w)

	version := nonEmpty(resp.HTTPVersion, "HTTP/1.1")
	reason := resp.Reason
	if _, err := fmt.Fprintf(bw, "%s %d %s\r\n", version, resp.StatusCode, reason); err != nil {
		return errors.NewIOError("writing status line", err)
	}

	if err := writeHeadersAndBody(bw, resp.Headers, resp.Body); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return errors.NewIOError("flushing response", err)
	}
	return nil
}

func writeHeadersAndBody(bw *bufio.Writer, headers model.Headers, body []byte) error {
	for _, h := range headers {
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return errors.NewIOError("writing header", err)
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return errors.NewIOError("writing header terminator", err)
	}

	// A decoded chunked body is held unframed; a message still carrying a
	// chunked Transfer-Encoding header must be re-chunked on the wire or the
	// receiver would misparse the raw bytes as chunk framing.
	if te, ok := headers.Get("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		if len(body) > 0 {
			if _, err := fmt.Fprintf(bw, "%x\r\n", len(body)); err != nil {
				return errors.NewIOError("writing chunk size", err)
			}
			if _, err := bw.Write(body); err != nil {
				return errors.NewIOError("writing chunk body", err)
			}
			if _, err := bw.WriteString("\r\n"); err != nil {
				return errors.NewIOError("writing chunk terminator", err)
			}
		}
		if _, err := bw.WriteString("0\r\n\r\n"); err != nil {
			return errors.NewIOError("writing final chunk", err)
		}
		return nil
	}

	if len(body) > 0 {
		if _, err := bw.Write(body); err != nil {
			return errors.NewIOError("writing body", err)
		}
	}
	return nil
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// readLine reads one CRLF (or bare LF)-terminated line, stripped of its
// terminator, rejecting lines over maxLine bytes.
func readLine(r *bufio.Reader, maxLine int) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", errors.NewIOError("reading line", err)
		}
		return "", errors.NewMalformedRequestError("truncated line", err)
	}
	if maxLine > 0 && len(line) > maxLine {
		return "", errors.NewMalformedRequestError(
			fmt.Sprintf("line exceeds %d byte cap", maxLine), nil)
	}
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], nil
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func parseRequestLine(line string) (method, target, version string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", errors.NewMalformedRequestError("malformed request line", nil)
	}
	return parts[0], parts[1], parts[2], nil
}

func parseStatusLine(line string) (version string, code int, reason string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errors.NewMalformedRequestError("malformed status line", nil)
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return "", 0, "", errors.NewMalformedRequestError("invalid status code", convErr)
	}
	reason = ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

// applyRequestTarget parses the request-target, filling Scheme/Host/Port/Path
// for absolute-form and authority-form targets.
func applyRequestTarget(req *model.Request, target string) error {
	switch {
	case strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://"):
		scheme, rest, _ := strings.Cut(target, "://")
		req.Scheme = scheme
		hostport, path, found := strings.Cut(rest, "/")
		host, port := splitHostPort(hostport, schemeDefaultPort(scheme))
		req.Host = host
		req.Port = port
		if found {
			req.Path = "/" + path
		} else {
			req.Path = "/"
		}
	case req.Method == "CONNECT":
		// authority-form: "host:port"
		host, port := splitHostPort(target, 443)
		req.Scheme = "https"
		req.Host = host
		req.Port = port
		req.Path = target
	default:
		// origin-form
		req.Path = target
	}
	return nil
}

func schemeDefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := splitHostPortSafe(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

// splitHostPortSafe behaves like net.SplitHostPort but tolerates a bare host
// with no port (returning an error net.SplitHostPort itself would return) by
// being called only through splitHostPort, which falls back to the default
// port on any error.
func splitHostPortSafe(hostport string) (host, port string, err error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, "", fmt.Errorf("missing port in %q", hostport)
	}
	// IPv6 literal without brackets would confuse this; CONNECT targets and
	// absolute-form authorities from browsers are always host:port or
	// [ipv6]:port, so check for the bracket form explicitly.
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", fmt.Errorf("malformed IPv6 literal in %q", hostport)
		}
		host = hostport[1:end]
		rest := hostport[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("missing port in %q", hostport)
		}
		return host, rest[1:], nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// readHeaderSection reads header lines up to the CRLFCRLF boundary, handling
// RFC 7230 §3.2.4 continuation lines and validating field names/values.
func readHeaderSection(r *bufio.Reader, caps Caps) (model.Headers, error) {
	var headers model.Headers
	total := 0
	var lastIdx = -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewMalformedRequestError("truncated header section", err)
		}

		total += len(line)
		if caps.MaxHeaderBytes > 0 && total > caps.MaxHeaderBytes {
			return nil, errors.NewMalformedRequestError(
				fmt.Sprintf("header section exceeds %d byte cap", caps.MaxHeaderBytes), nil)
		}
		if caps.MaxLineLength > 0 && len(line) > caps.MaxLineLength {
			return nil, errors.NewMalformedRequestError(
				fmt.Sprintf("header line exceeds %d byte cap", caps.MaxLineLength), nil)
		}

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if (strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")) && lastIdx >= 0 {
			headers[lastIdx].Value += " " + strings.TrimSpace(trimmed)
			continue
		}

		name, value, found := strings.Cut(trimmed, ":")
		if !found {
			return nil, errors.NewMalformedRequestError("header line missing colon", nil)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		if !httpguts.ValidHeaderFieldName(name) {
			return nil, errors.NewMalformedRequestError(fmt.Sprintf("invalid header field name %q", name), nil)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, errors.NewMalformedRequestError(fmt.Sprintf("invalid header field value for %q", name), nil)
		}

		headers = append(headers, model.Header{Name: name, Value: value})
		lastIdx = len(headers) - 1
	}

	return headers, nil
}

// readBody dispatches to chunked/fixed/until-close framing based on the
// decoded headers. statusCode is 0 for requests. Trailers read off a
// chunked body are appended to *headers.
func readBody(r *bufio.Reader, headers *model.Headers, caps Caps, method string, statusCode int) ([]byte, error) {
	transferEncodings := headers.Values("Transfer-Encoding")
	contentLengths := headers.Values("Content-Length")

	chunked := false
	for _, te := range transferEncodings {
		if strings.Contains(strings.ToLower(te), "chunked") {
			chunked = true
		}
	}

	if len(contentLengths) > 1 {
		return nil, errors.NewAmbiguousLengthError("multiple Content-Length header values")
	}
	if chunked && len(contentLengths) > 0 {
		return nil, errors.NewAmbiguousLengthError("both Content-Length and chunked Transfer-Encoding present")
	}

	// RFC 9110 §6.4.1: 1xx/204/304 and HEAD responses never carry a body,
	// unless the buffered reader already has data waiting, an RFC violation
	// worth surfacing rather than silently discarding.
	if method == "HEAD" || (statusCode >= 100 && statusCode < 200) || statusCode == 204 || statusCode == 304 {
		if r.Buffered() == 0 {
			return nil, nil
		}
	}

	switch {
	case chunked:
		return readChunkedBody(r, headers, caps)
	case len(contentLengths) == 1:
		length, err := strconv.ParseInt(strings.TrimSpace(contentLengths[0]), 10, 64)
		if err != nil || length < 0 {
			return nil, errors.NewMalformedRequestError("invalid Content-Length", err)
		}
		if caps.MaxBodyBytes > 0 && length > caps.MaxBodyBytes {
			return nil, errors.NewPayloadTooLargeError(
				fmt.Sprintf("declared length %d exceeds %d byte cap", length, caps.MaxBodyBytes))
		}
		return readFixedBody(r, length)
	case statusCode == 0:
		// Requests with neither framing header carry no body.
		return nil, nil
	default:
		return readUntilClose(r, caps)
	}
}

// readChunkedBody reads chunk-size/chunk-data pairs until the zero-size
// terminator, then any trailer fields, attaching trailers to headers with
// origin preserved (re-emitted on encode since they are ordinary headers).
func readChunkedBody(r *bufio.Reader, headers *model.Headers, caps Caps) ([]byte, error) {
	tp := textproto.NewReader(r)
	var body []byte
	var total int64

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, errors.NewMalformedRequestError("reading chunk size", err)
		}

		sizeField, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return nil, errors.NewMalformedRequestError("invalid chunk size", err)
		}
		if size == 0 {
			break
		}

		total += size
		if caps.MaxBodyBytes > 0 && total > caps.MaxBodyBytes {
			return nil, errors.NewPayloadTooLargeError(
				fmt.Sprintf("chunked body exceeds %d byte cap", caps.MaxBodyBytes))
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(tp.R, chunk); err != nil {
			return nil, errors.NewIOError("reading chunk body", err)
		}
		body = append(body, chunk...)

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return nil, errors.NewIOError("reading chunk CRLF", err)
		}
	}

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, errors.NewMalformedRequestError("reading chunk trailer", err)
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if found {
			*headers = append(*headers, model.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
		}
	}

	return body, nil
}

// readFixedBody reads exactly length bytes. A body shorter than its declared
// length surfaces as an IO error wrapping io.ErrUnexpectedEOF (or io.EOF when
// no body byte arrived at all).
func readFixedBody(r *bufio.Reader, length int64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.NewIOError("reading fixed body", err)
	}
	return buf, nil
}

// readUntilClose reads the body until EOF, for responses with neither
// Content-Length nor chunked framing (Connection: close semantics). The body
// accumulates through a disk-spilling buffer so an origin that streams
// gigabytes before closing cannot exhaust memory, and the configured body
// cap still applies even though no length was declared.
func readUntilClose(r *bufio.Reader, caps Caps) ([]byte, error) {
	spool := buffer.New(buffer.DefaultMemoryLimit)
	defer spool.Close()

	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if caps.MaxBodyBytes > 0 && spool.Size()+int64(n) > caps.MaxBodyBytes {
				return nil, errors.NewPayloadTooLargeError(
					fmt.Sprintf("unframed body exceeds %d byte cap", caps.MaxBodyBytes))
			}
			if _, werr := spool.Write(chunk[:n]); werr != nil {
				return nil, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewIOError("reading until close", err)
		}
	}

	rd, err := spool.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	body, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.NewIOError("materializing spooled body", err)
	}
	return body, nil
}
