package handler

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
)

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect performs the TLS_HANDSHAKE step: it reads the already-peeked
// CONNECT request line and headers, replies 200, and impersonates the
// tunnel target using a CA-minted leaf certificate. On success it returns a
// net.Conn/*bufio.Reader pair over the decrypted stream for the request
// loop to continue PARSE_REQ on.
func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader) (net.Conn, *bufio.Reader, string, int, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, nil, "", 0, ierrors.NewMalformedRequestError("reading CONNECT line", err)
	}
	line = strings.TrimRight(line, "\r\n")

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] != "CONNECT" {
		return nil, nil, "", 0, ierrors.NewMalformedRequestError("malformed CONNECT line", nil)
	}

	for {
		headerLine, err := br.ReadString('\n')
		if err != nil {
			return nil, nil, "", 0, ierrors.NewMalformedRequestError("reading CONNECT headers", err)
		}
		if headerLine == "\r\n" || headerLine == "\n" {
			break
		}
	}

	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		host, portStr = parts[1], "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 443
	}

	if _, err := conn.Write([]byte(connectionEstablished)); err != nil {
		return nil, nil, host, port, ierrors.NewIOError("writing CONNECT response", err)
	}

	minted, err := h.deps.CA.CertFor(ctx, host)
	if err != nil {
		return nil, nil, host, port, err
	}
	tlsCert, err := h.deps.CA.TLSCertificate(minted)
	if err != nil {
		return nil, nil, host, port, err
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, host, port, ierrors.NewTLSError(host, err)
	}

	return tlsConn, bufio.NewReader(tlsConn), host, port, nil
}
