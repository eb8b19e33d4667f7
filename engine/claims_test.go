package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClaimTableExclusive(t *testing.T) {
	claims := NewMemoryClaimTable()
	ctx := context.Background()

	token, err := claims.TryClaim(ctx, 1, 10, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = claims.TryClaim(ctx, 1, 10, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// A different enrollment is unaffected.
	_, err = claims.TryClaim(ctx, 2, 10, time.Minute)
	assert.NoError(t, err)
}

func TestMemoryClaimTableSingleWinner(t *testing.T) {
	claims := NewMemoryClaimTable()
	ctx := context.Background()

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := claims.TryClaim(ctx, 1, 10, time.Minute)
			if err == nil {
				mu.Lock()
				winners = append(winners, token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, winners, 1, "exactly one contender may hold the lease")
}

func TestMemoryClaimTableReleaseAndReclaim(t *testing.T) {
	claims := NewMemoryClaimTable()
	ctx := context.Background()

	token, err := claims.TryClaim(ctx, 1, 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, claims.Release(ctx, token))
	_, err = claims.TryClaim(ctx, 1, 10, time.Minute)
	assert.NoError(t, err)

	// Releasing an unknown token is a no-op.
	assert.NoError(t, claims.Release(ctx, "no-such-token"))
}

func TestMemoryClaimTableExpiredTakeover(t *testing.T) {
	claims := NewMemoryClaimTable()
	ctx := context.Background()

	stale, err := claims.TryClaim(ctx, 1, 10, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := claims.TryClaim(ctx, 1, 11, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)
}

func TestMemoryClaimTablePurgeExpired(t *testing.T) {
	claims := NewMemoryClaimTable()
	ctx := context.Background()

	_, err := claims.TryClaim(ctx, 1, 10, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = claims.TryClaim(ctx, 2, 10, time.Minute)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	purged, err := claims.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestSQLClaimTableExclusive(t *testing.T) {
	claims := NewSQLClaimTable(newTestDB(t))
	ctx := context.Background()

	token, err := claims.TryClaim(ctx, 1, 10, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = claims.TryClaim(ctx, 1, 10, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = claims.TryClaim(ctx, 2, 10, time.Minute)
	assert.NoError(t, err)
}

func TestSQLClaimTableReleaseAndReclaim(t *testing.T) {
	claims := NewSQLClaimTable(newTestDB(t))
	ctx := context.Background()

	token, err := claims.TryClaim(ctx, 1, 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, claims.Release(ctx, token))
	_, err = claims.TryClaim(ctx, 1, 10, time.Minute)
	assert.NoError(t, err)
}

func TestSQLClaimTableExpiredTakeover(t *testing.T) {
	claims := NewSQLClaimTable(newTestDB(t))
	ctx := context.Background()

	stale, err := claims.TryClaim(ctx, 1, 10, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := claims.TryClaim(ctx, 1, 11, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	// The stale token no longer releases anything the new holder owns.
	require.NoError(t, claims.Release(ctx, stale))
	_, err = claims.TryClaim(ctx, 1, 11, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestSQLClaimTablePurgeExpired(t *testing.T) {
	claims := NewSQLClaimTable(newTestDB(t))
	ctx := context.Background()

	_, err := claims.TryClaim(ctx, 1, 10, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = claims.TryClaim(ctx, 2, 10, time.Minute)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	purged, err := claims.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
