// Package memstore is an in-memory, channel-based Store, used as the
// zero-config default and by handler/listener tests.
package memstore

import (
	"context"
	"sync"
	"time"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

type pendingItem struct {
	request  *model.Request
	verdicts chan model.Verdict
	response *model.Response
}

// Store is an in-memory Shared Store Facade. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	pending map[string]*pendingItem
	order   []string
	mode    model.PolicyMode
	bl      model.Blocklist
}

// New returns a Store with the given initial policy mode and blocklists.
// Either may be changed later via SetPolicyMode/SetBlocklists.
func New(mode model.PolicyMode, bl model.Blocklist) *Store {
	return &Store{
		pending: make(map[string]*pendingItem),
		mode:    mode,
		bl:      bl,
	}
}

func (s *Store) PublishPending(ctx context.Context, req *model.Request) (string, error) {
	if req.ID == "" {
		req.ID = model.NewRequestID()
	}
	s.mu.Lock()
	s.pending[req.ID] = &pendingItem{
		request:  req,
		verdicts: make(chan model.Verdict, 1),
	}
	s.order = append(s.order, req.ID)
	s.mu.Unlock()
	return req.ID, nil
}

// PendingIDs returns every published id in publication order. The review
// control plane lists these to build its queue.
func (s *Store) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Pending returns the request published under id, if any.
func (s *Store) Pending(id string) (*model.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending[id]
	if !ok {
		return nil, false
	}
	return item.request, true
}

func (s *Store) AwaitVerdict(ctx context.Context, id string, timeout time.Duration) (model.Verdict, error) {
	s.mu.Lock()
	item, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return model.Verdict{}, ierrors.NewValidationError("unknown request id: " + id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-item.verdicts:
		return v, nil
	case <-timer.C:
		return model.Verdict{TimedOut: true}, nil
	case <-ctx.Done():
		return model.Verdict{Cancelled: true}, ctx.Err()
	}
}

// Deliver records a reviewer's verdict for id. It is the counterpart to
// AwaitVerdict; the review control plane calls it from outside this package.
func (s *Store) Deliver(id string, v model.Verdict) error {
	s.mu.Lock()
	item, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return ierrors.NewValidationError("unknown request id: " + id)
	}
	select {
	case item.verdicts <- v:
	default:
		// A verdict or cancellation is already queued and unread; it is
		// kept and v is dropped. The channel is buffered 1 deep so this
		// never blocks.
	}
	return nil
}

func (s *Store) PublishResponse(ctx context.Context, id string, resp *model.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending[id]
	if !ok {
		return ierrors.NewValidationError("unknown request id: " + id)
	}
	item.response = resp
	return nil
}

// Response returns the response published for id, if any. Used by the
// optional response-review path.
func (s *Store) Response(id string) (*model.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending[id]
	if !ok || item.response == nil {
		return nil, false
	}
	return item.response, true
}

func (s *Store) ReadPolicyMode(ctx context.Context) (model.PolicyMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, nil
}

// SetPolicyMode changes the process-wide policy mode.
func (s *Store) SetPolicyMode(mode model.PolicyMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *Store) ReadBlocklists(ctx context.Context) (model.Blocklist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bl, nil
}

// SetBlocklists replaces the current domain/keyword blocklists.
func (s *Store) SetBlocklists(bl model.Blocklist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bl = bl
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	item, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return ierrors.NewValidationError("unknown request id: " + id)
	}
	select {
	case item.verdicts <- model.Verdict{Cancelled: true}:
	default:
	}
	return nil
}
