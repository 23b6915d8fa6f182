/*
idempotency.go - Deduplication of client-submitted operations

PURPOSE:
  Field clients queue operations offline and replay them later over an
  unreliable network. The idempotency log makes resubmission safe: the
  first sight of a (client operation id, actor) pair executes the effect
  and stores its result inside one transaction; every later sight returns
  the stored result byte-identical, without re-executing side effects.

CORRECTNESS:
  The uniqueness constraint on (operation id, actor id) in the store is
  the sole mechanism. A duplicate insert fails fast with
  ErrDuplicateOperation and falls back to reading the existing record,
  so two racing submissions can never both run the effect: the loser's
  transaction rolls back wholesale.

  Replays may arrive out of their original order and after restarts; the
  record is persisted with everything else.
*/
package engine

import (
	"context"
	"time"
)

type IdempotencyLog struct {
	Store Store
	Now   func() time.Time
}

// EffectFn runs the operation's side effects against the transactional
// store view and returns the response payload to memoize.
type EffectFn func(Store) ([]byte, error)

func NewIdempotencyLog(store Store) *IdempotencyLog {
	return &IdempotencyLog{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// ExecuteOnce runs effect for the first sight of (opID, actor) and
// replays the stored result for every later sight. The second return
// value reports whether this call was a replay.
func (l *IdempotencyLog) ExecuteOnce(ctx context.Context, opID OperationID, actor ActorID, opType string, effect EffectFn) ([]byte, bool, error) {
	// Fast path: an already-recorded operation needs no transaction.
	if rec, err := l.Store.GetOperation(ctx, opID, actor); err != nil {
		return nil, false, err
	} else if rec != nil {
		return rec.Result, true, nil
	}

	var result []byte
	replayed := false
	err := l.Store.WithTx(ctx, func(s Store) error {
		// Re-check inside the transaction: a concurrent first submission
		// may have committed since the fast path.
		rec, err := s.GetOperation(ctx, opID, actor)
		if err != nil {
			return err
		}
		if rec != nil {
			result = rec.Result
			replayed = true
			return nil
		}

		out, err := effect(s)
		if err != nil {
			return err
		}
		if err := s.InsertOperation(ctx, IdempotencyRecord{
			OperationID:   opID,
			ActorID:       actor,
			OperationType: opType,
			Result:        out,
			CreatedAt:     l.Now(),
		}); err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, replayed, nil
}
