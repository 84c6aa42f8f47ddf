package coordination

import (
	"context"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// LeaderLease is the dispatcher leadership lock: a SETNX key with TTL. At
// most one instance holds it; when the holder dies the key expires within
// the TTL and another instance takes over.
type LeaderLease struct {
	store    interfaces.CoordinationStore
	keys     Keys
	holderID string
	ttl      time.Duration
}

// NewLeaderLease builds a lease for one candidate instance.
func NewLeaderLease(store interfaces.CoordinationStore, keys Keys, holderID string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{store: store, keys: keys, holderID: holderID, ttl: ttl}
}

// TryAcquire attempts to take the lease. Returns true when this instance is
// (or already was) the leader.
func (l *LeaderLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.keys.LeaderLease(), l.holderID, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, found, err := l.store.Get(ctx, l.keys.LeaderLease())
	if err != nil {
		return false, err
	}
	return found && holder == l.holderID, nil
}

// Renew extends the lease while this instance still holds it. Returns false
// when the lease was lost.
func (l *LeaderLease) Renew(ctx context.Context) (bool, error) {
	holder, found, err := l.store.Get(ctx, l.keys.LeaderLease())
	if err != nil {
		return false, err
	}
	if !found || holder != l.holderID {
		return false, nil
	}
	if err := l.store.Expire(ctx, l.keys.LeaderLease(), l.ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Release gives the lease up voluntarily (graceful shutdown).
func (l *LeaderLease) Release(ctx context.Context) error {
	holder, found, err := l.store.Get(ctx, l.keys.LeaderLease())
	if err != nil {
		return err
	}
	if !found || holder != l.holderID {
		return nil
	}
	return l.store.Del(ctx, l.keys.LeaderLease())
}
