// Package timing measures the phases of one upstream exchange: name
// resolution, TCP connect, TLS handshake, and the wait for the first
// response byte.
package timing

import (
	"fmt"
	"time"
)

// Phase names one measured segment of an upstream exchange.
type Phase int

const (
	PhaseResolve Phase = iota
	PhaseConnect
	PhaseTLS
	PhaseFirstByte

	phaseCount
)

// Metrics is the latency breakdown of one exchange. It rides along on the
// response published to the review control plane, so a reviewer can see
// where a slow request spent its time.
type Metrics struct {
	Resolve   time.Duration
	Connect   time.Duration
	TLS       time.Duration
	FirstByte time.Duration
	Total     time.Duration
}

// String renders the breakdown for log records.
func (m Metrics) String() string {
	return fmt.Sprintf("resolve=%v connect=%v tls=%v first_byte=%v total=%v",
		m.Resolve, m.Connect, m.TLS, m.FirstByte, m.Total)
}

// Timer accumulates phase durations for one exchange. A phase entered more
// than once (a retried connect) accumulates across attempts. Not safe for
// concurrent use; one exchange is driven by one goroutine.
type Timer struct {
	begun  time.Time
	starts [phaseCount]time.Time
	spent  [phaseCount]time.Duration
}

// NewTimer starts the exchange clock.
func NewTimer() *Timer {
	return &Timer{begun: time.Now()}
}

// Begin marks the start of phase p.
func (t *Timer) Begin(p Phase) {
	t.starts[p] = time.Now()
}

// End closes phase p, adding its elapsed time to the accumulated total.
// An End without a matching Begin records nothing.
func (t *Timer) End(p Phase) {
	if t.starts[p].IsZero() {
		return
	}
	t.spent[p] += time.Since(t.starts[p])
	t.starts[p] = time.Time{}
}

// Snapshot returns the breakdown measured so far; Total runs from NewTimer
// to the Snapshot call.
func (t *Timer) Snapshot() Metrics {
	return Metrics{
		Resolve:   t.spent[PhaseResolve],
		Connect:   t.spent[PhaseConnect],
		TLS:       t.spent[PhaseTLS],
		FirstByte: t.spent[PhaseFirstByte],
		Total:     time.Since(t.begun),
	}
}
