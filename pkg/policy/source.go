package policy

import (
	"context"
	"sync"
	"time"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

// Source is the subset of the Shared Store Facade the Policy Engine reads
// from. store.Store satisfies it directly; tests can supply a narrower fake.
type Source interface {
	ReadPolicyMode(ctx context.Context) (model.PolicyMode, error)
	ReadBlocklists(ctx context.Context) (model.Blocklist, error)
}

// CachedSource wraps a Source with the store-outage fallback policy:
// in intercept mode a read failure fails closed immediately; in
// filter mode, the last good snapshot may be reused for up to a grace
// period before also failing closed. The grace period applies to filter
// mode only; in intercept mode the Connection Handler answers a snapshot
// failure with a block.
type CachedSource struct {
	src   Source
	grace time.Duration

	mu           sync.Mutex
	mode         model.PolicyMode
	bl           model.Blocklist
	lastGood     time.Time
	haveSnapshot bool
}

// NewCachedSource wraps src. grace <= 0 uses constants.StoreGracePeriod's
// default of 30 seconds.
func NewCachedSource(src Source, grace time.Duration) *CachedSource {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &CachedSource{src: src, grace: grace}
}

// Snapshot returns the current mode and blocklists, or a StoreUnavailable
// error once no usable snapshot (live or within-grace-cached) exists.
func (c *CachedSource) Snapshot(ctx context.Context) (model.PolicyMode, model.Blocklist, error) {
	mode, modeErr := c.src.ReadPolicyMode(ctx)
	bl, blErr := c.src.ReadBlocklists(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if modeErr == nil && blErr == nil {
		c.mode, c.bl, c.lastGood, c.haveSnapshot = mode, bl, time.Now(), true
		return mode, bl, nil
	}

	err := modeErr
	if err == nil {
		err = blErr
	}

	if c.haveSnapshot && c.mode == model.ModeFilter && time.Since(c.lastGood) < c.grace {
		return c.mode, c.bl, nil
	}

	return "", model.Blocklist{}, ierrors.NewStoreUnavailableError("read_policy", err)
}
