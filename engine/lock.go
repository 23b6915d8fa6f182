/*
lock.go - Advisory edit lock for in-progress fulfilment

PURPOSE:
  Grants one actor at a time the right to edit a request's in-progress
  allocation, so two planners never silently overwrite one another. The
  lock is advisory at the domain level: it prevents human edit conflicts,
  not ledger races (those are handled by store transactions).

SEMANTICS:
  - Acquire fails with AlreadyLocked unless the existing lock is held by
    the same actor or has exceeded its TTL.
  - Renew extends the TTL, only valid for the current holder. Renewal
    happens on each save, not on each keystroke, which bounds the
    stuck-lock failure mode to one TTL window.
  - Release clears the lock; usable by the holder or by an actor with the
    force-release capability.
  - An expired lock is treated as absent everywhere.
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

const DefaultLockTTL = 15 * time.Minute

type LockManager struct {
	Store Store
	TTL   time.Duration
	Now   func() time.Time
}

func NewLockManager(store Store, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockManager{Store: store, TTL: ttl, Now: func() time.Time { return time.Now().UTC() }}
}

// Acquire grants the edit lock on seq to actor, or re-stamps it if the
// actor already holds it.
func (m *LockManager) Acquire(ctx context.Context, seq RequestSeq, actor Actor) (*Lock, error) {
	var acquired *Lock
	err := m.Store.WithTx(ctx, func(s Store) error {
		req, err := getRequest(ctx, s, seq)
		if err != nil {
			return err
		}
		if lk := m.activeLock(req); lk != nil && lk.HolderID != actor.ID {
			return m.heldErr(seq, lk)
		}
		req.Lock = &Lock{HolderID: actor.ID, AcquiredAt: m.Now()}
		req.UpdatedAt = m.Now()
		acquired = req.Lock
		return s.SaveRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// Renew extends the holder's TTL. Fails if the actor does not hold a
// valid lock.
func (m *LockManager) Renew(ctx context.Context, seq RequestSeq, actor Actor) (*Lock, error) {
	var renewed *Lock
	err := m.Store.WithTx(ctx, func(s Store) error {
		req, err := getRequest(ctx, s, seq)
		if err != nil {
			return err
		}
		lk := m.activeLock(req)
		if lk == nil || lk.HolderID != actor.ID {
			if lk != nil {
				return m.heldErr(seq, lk)
			}
			return fmt.Errorf("%w: no lock held on %s", ErrLockRequired, seq)
		}
		req.Lock = &Lock{HolderID: actor.ID, AcquiredAt: m.Now()}
		req.UpdatedAt = m.Now()
		renewed = req.Lock
		return s.SaveRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// Release clears the lock. The holder may always release; any other actor
// needs the force-release capability.
func (m *LockManager) Release(ctx context.Context, seq RequestSeq, actor Actor) error {
	return m.Store.WithTx(ctx, func(s Store) error {
		req, err := getRequest(ctx, s, seq)
		if err != nil {
			return err
		}
		lk := m.activeLock(req)
		if lk == nil {
			return nil // nothing to release; expired locks clear lazily
		}
		if lk.HolderID != actor.ID && !actor.Can(CapForceRelease) {
			return m.heldErr(seq, lk)
		}
		req.Lock = nil
		req.UpdatedAt = m.Now()
		return s.SaveRequest(ctx, req)
	})
}

// Holds reports whether actor currently holds a valid lock on req.
func (m *LockManager) Holds(req *Request, actorID ActorID) bool {
	lk := m.activeLock(req)
	return lk != nil && lk.HolderID == actorID
}

// activeLock returns the request's lock if present and unexpired.
func (m *LockManager) activeLock(req *Request) *Lock {
	if req.Lock == nil {
		return nil
	}
	if m.Now().Sub(req.Lock.AcquiredAt) >= m.TTL {
		return nil
	}
	return req.Lock
}

func (m *LockManager) heldErr(seq RequestSeq, lk *Lock) error {
	return &LockHeldError{
		Seq:        seq,
		HolderID:   lk.HolderID,
		AcquiredAt: lk.AcquiredAt,
		ExpiresAt:  lk.AcquiredAt.Add(m.TTL),
	}
}

// getRequest loads a request or translates a missing row to the typed error.
func getRequest(ctx context.Context, s Store, seq RequestSeq) (*Request, error) {
	req, err := s.GetRequest(ctx, seq)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, seq)
	}
	return req, nil
}
