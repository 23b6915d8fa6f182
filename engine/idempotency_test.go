package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
)

func TestIdempotencyLog_ReplayReturnsStoredResult(t *testing.T) {
	// GIVEN: An operation that executed once
	// WHEN: The same (operation id, actor) pair is submitted again
	// THEN: The stored payload comes back byte-identical, effect not re-run

	s := newSeededStore(t)
	log := engine.NewIdempotencyLog(s)
	ctx := context.Background()

	calls := 0
	effect := func(engine.Store) ([]byte, error) {
		calls++
		return []byte(`{"seq":"NL-000001"}`), nil
	}

	result, replayed, err := log.ExecuteOnce(ctx, "op-1", "dist-1", "request.create", effect)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"seq":"NL-000001"}`, string(result))

	result, replayed, err = log.ExecuteOnce(ctx, "op-1", "dist-1", "request.create", effect)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, `{"seq":"NL-000001"}`, string(result))
	assert.Equal(t, 1, calls)
}

func TestIdempotencyLog_ScopedPerActor(t *testing.T) {
	// The same client operation id from a different actor is a distinct
	// operation, not a replay.

	s := newSeededStore(t)
	log := engine.NewIdempotencyLog(s)
	ctx := context.Background()

	calls := 0
	effect := func(engine.Store) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	}

	_, replayed, err := log.ExecuteOnce(ctx, "op-1", "dist-1", "intake", effect)
	require.NoError(t, err)
	assert.False(t, replayed)

	_, replayed, err = log.ExecuteOnce(ctx, "op-1", "dist-2", "intake", effect)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

func TestIdempotencyLog_FailedEffectIsNotMemoized(t *testing.T) {
	// A failed operation leaves no record; the client may retry with the
	// same operation id after fixing the input.

	s := newSeededStore(t)
	log := engine.NewIdempotencyLog(s)
	ctx := context.Background()

	boom := errors.New("boom")
	_, _, err := log.ExecuteOnce(ctx, "op-1", "dist-1", "intake", func(engine.Store) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	result, replayed, err := log.ExecuteOnce(ctx, "op-1", "dist-1", "intake", func(engine.Store) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "recovered", string(result))
}

func TestIdempotencyLog_EffectWritesCommitWithRecord(t *testing.T) {
	// The effect runs against the transactional store view, so its writes
	// and the idempotency record commit together or not at all.

	s := newSeededStore(t)
	log := engine.NewIdempotencyLog(s)
	ctx := context.Background()

	_, _, err := log.ExecuteOnce(ctx, "op-1", "admin-1", "intake", func(tx engine.Store) ([]byte, error) {
		ledger := engine.NewLedger(tx)
		if _, err := ledger.Intake(ctx, admin(), engine.IntakeInput{
			SKU: skuWater, HubID: hubCentral, Qty: 25, Donor: "UNICEF",
		}); err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	})
	require.NoError(t, err)

	stock, err := s.SumFor(ctx, skuWater, hubCentral)
	require.NoError(t, err)
	assert.Equal(t, int64(25), stock)

	// A failing effect rolls its writes back with the record.
	_, _, err = log.ExecuteOnce(ctx, "op-2", "admin-1", "intake", func(tx engine.Store) ([]byte, error) {
		ledger := engine.NewLedger(tx)
		if _, err := ledger.Intake(ctx, admin(), engine.IntakeInput{
			SKU: skuWater, HubID: hubCentral, Qty: 10, Donor: "UNICEF",
		}); err != nil {
			return nil, err
		}
		return nil, errors.New("downstream failure")
	})
	require.Error(t, err)

	stock, err = s.SumFor(ctx, skuWater, hubCentral)
	require.NoError(t, err)
	assert.Equal(t, int64(25), stock, "rolled back intake must not count")
}

func TestIdempotencyLog_ConcurrentSubmissionsRunEffectOnce(t *testing.T) {
	s := newSeededStore(t)
	log := engine.NewIdempotencyLog(s)
	ctx := context.Background()

	var calls int64
	effect := func(engine.Store) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("once"), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = log.ExecuteOnce(ctx, "op-racy", "dist-1", "intake", effect)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "once", string(results[i]))
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
