// Package store defines the Shared Store Facade: the single abstraction the
// Connection Handler and the (external) review control plane rendezvous
// through. Nothing outside this package touches a pending
// request's storage directly.
package store

import (
	"context"
	"time"

	"github.com/nullwire/interceptproxy/pkg/model"
)

// Store is the facade the Connection Handler and Policy Engine are built
// against. Any backing store — in-memory, SQLite, or otherwise — satisfies
// it identically.
type Store interface {
	// PublishPending makes req visible for review and returns its id.
	PublishPending(ctx context.Context, req *model.Request) (string, error)

	// AwaitVerdict blocks until a verdict is recorded for id, timeout
	// elapses, or ctx is cancelled. Implementations may poll or subscribe.
	AwaitVerdict(ctx context.Context, id string, timeout time.Duration) (model.Verdict, error)

	// PublishResponse makes resp visible for optional response review.
	PublishResponse(ctx context.Context, id string, resp *model.Response) error

	// ReadPolicyMode returns the process-wide intercept/filter mode.
	ReadPolicyMode(ctx context.Context) (model.PolicyMode, error)

	// ReadBlocklists returns the current domain/keyword blocklists.
	ReadBlocklists(ctx context.Context) (model.Blocklist, error)

	// Cancel marks id cancelled, unblocking any in-flight AwaitVerdict.
	Cancel(ctx context.Context, id string) error
}
