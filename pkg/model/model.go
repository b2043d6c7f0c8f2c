// Package model defines the data entities shared by the interception data
// plane: Request, Response, InterceptItem, PolicyMode, Blocklist, and the CA's
// MintedCert/RootCA.
package model

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nullwire/interceptproxy/pkg/timing"
)

// Header is one name/value pair in an ordered, duplicate-preserving header
// list. Headers are never modeled as map[string]string: order and repeated
// names must survive a decode/encode round trip untouched.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of header fields.
type Headers []Header

// Get returns the first value for name, compared case-insensitively, and
// whether it was found.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if equalFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Values returns every value for name, in insertion order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if equalFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Add appends a header, preserving any existing entries for the same name.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces all existing entries for name with a single entry.
func (h *Headers) Set(name, value string) {
	out := make(Headers, 0, len(*h)+1)
	replaced := false
	for _, hdr := range *h {
		if equalFold(hdr.Name, name) {
			if !replaced {
				out = append(out, Header{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, hdr)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is a fully-decoded client request. Its id is
// assigned once, at the moment PARSE_REQ completes, and never changes.
type Request struct {
	ID            string
	Method        string
	Scheme        string // "http" or "https"
	Host          string
	Port          int
	Path          string
	HTTPVersion   string
	Headers       Headers
	Body          []byte
	ReceivedAt    time.Time
	ClientAddress string
}

// NewRequestID returns a fresh, process-wide-unique, time-sortable request
// id. Version 7 UUIDs carry a leading timestamp, so lexicographic id order
// is assignment order.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Addr returns "host:port" for dialing or logging.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Response is the origin's reply, or a synthetic one (403/400/413/502/504). It
// shares its id with the Request it answers.
type Response struct {
	ID          string
	StatusCode  int
	Reason      string
	HTTPVersion string
	Headers     Headers
	Body        []byte
	ReceivedAt  time.Time

	// Timing is the upstream exchange's latency breakdown; nil on synthetic
	// responses the proxy generated itself. It is published to the store
	// with the response, so the reviewer sees where a slow request went.
	Timing *timing.Metrics
}

// InterceptState is the lifecycle state of an InterceptItem.
type InterceptState string

const (
	StatePending      InterceptState = "pending"
	StateAllowed      InterceptState = "allowed"
	StateBlocked      InterceptState = "blocked"
	StateEditedAllow  InterceptState = "edited-allowed"
	StateCancelled    InterceptState = "cancelled"
)

// InterceptItem pairs 1:1 with a Request awaiting or having received a
// reviewer verdict.
type InterceptItem struct {
	RequestID      string
	State          InterceptState
	EditedRequest  *Request
	EditedResponse *Response
}

// PolicyMode selects whether requests are reviewed by a human (intercept) or
// decided purely by the Policy Engine (filter). Process-wide, read on every
// decision.
type PolicyMode string

const (
	ModeIntercept PolicyMode = "intercept"
	ModeFilter    PolicyMode = "filter"
)

// Blocklist is the ordered configuration the Policy Engine evaluates against.
// Patterns are evaluated in insertion order; order never changes the
// block/allow outcome.
type Blocklist struct {
	Domains  []string
	Keywords []string
}

// Decision is the Policy Engine's verdict on a request.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionBlock  Decision = "block"
	DecisionReview Decision = "review"
)

// VerdictKind is the reviewer's disposition of a pending InterceptItem.
type VerdictKind string

const (
	VerdictAllow       VerdictKind = "allow"
	VerdictAllowEdited VerdictKind = "edited"
	VerdictBlock       VerdictKind = "block"
)

// Verdict is the result of await_verdict: either a reviewer decision, or one
// of the two terminal non-decisions (timeout, cancellation).
type Verdict struct {
	Kind           VerdictKind
	EditedRequest  *Request
	EditedResponse *Response
	TimedOut       bool
	Cancelled      bool
}

// MintedCert is a per-hostname leaf certificate issued by the CA, cached
// in-memory until process exit or LRU eviction.
type MintedCert struct {
	Hostname   string
	CertDER    []byte
	KeyDER     []byte
	NotAfter   time.Time
}

// RootCA is the local root key pair the proxy signs leaf certificates with.
// The private key is never transmitted over any socket.
type RootCA struct {
	CertPEM []byte
	KeyPEM  []byte
}
