package streamql

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamql/streamql/driver/drivertest"
	"github.com/streamql/streamql/errs"
)

func TestAcquire_ReusesByCanonicalConfig(t *testing.T) {
	initTest(t)
	d := drivertest.New()
	Register("stub-reuse", d)

	cfg1 := testConfig("stub-reuse", "db01")
	cfg1.Options = map[string]string{"a": "1", "b": "2"}
	cfg2 := testConfig("stub-reuse", "db01")
	cfg2.Options = map[string]string{"b": "2", "a": "1"}

	p1, err := acquire(context.Background(), cfg1)
	require.NoError(t, err)
	p2, err := acquire(context.Background(), cfg2)
	require.NoError(t, err)

	assert.Same(t, p1, p2, "canonically equal configs share one pool entry")
	assert.Len(t, d.Conns(), 1)
}

func TestAcquire_DistinctConfigs(t *testing.T) {
	initTest(t)
	d := drivertest.New()
	Register("stub-distinct", d)

	p1, err := acquire(context.Background(), testConfig("stub-distinct", "db01"))
	require.NoError(t, err)
	p2, err := acquire(context.Background(), testConfig("stub-distinct", "db02"))
	require.NoError(t, err)

	assert.NotSame(t, p1, p2)
	assert.Len(t, d.Conns(), 2)
}

func TestAcquire_CreateRace(t *testing.T) {
	initTest(t)
	d := drivertest.New()
	d.ConnectDelay = 50 * time.Millisecond
	Register("stub-race", d)

	cfg := testConfig("stub-race", "db01")

	var wg sync.WaitGroup
	results := make([]*pooledConn, 2)
	acquireErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], acquireErrs[i] = acquire(context.Background(), cfg)
		}(i)
	}
	wg.Wait()
	require.NoError(t, acquireErrs[0])
	require.NoError(t, acquireErrs[1])

	// Both callers dialed, one entry won, the loser's connection closed.
	assert.Same(t, results[0], results[1])
	conns := d.Conns()
	require.Len(t, conns, 2)
	closes := conns[0].CloseCount() + conns[1].CloseCount()
	assert.Equal(t, 1, closes, "exactly the redundant connection is closed")
}

func TestAcquire_ConnectFailure(t *testing.T) {
	initTest(t)
	d := drivertest.New()
	d.ConnectErr = errors.New("refused")
	Register("stub-dialfail", d)

	_, err := acquire(context.Background(), testConfig("stub-dialfail", "db01"))
	require.Error(t, err)
	assert.True(t, errs.IsConnectionFailed(err))

	reg.mu.Lock()
	assert.Empty(t, reg.conns, "failed dial leaves no registry entry")
	reg.mu.Unlock()
}

func TestAcquire_UnknownDriver(t *testing.T) {
	initTest(t)
	_, err := acquire(context.Background(), testConfig("no-such-driver", "db01"))
	require.Error(t, err)
	assert.True(t, errs.IsConnectionFailed(err))
}

func TestPool_EvictionOnFatal(t *testing.T) {
	initTest(t)
	d := drivertest.New()
	Register("stub-evict", d)

	cfg := testConfig("stub-evict", "db01")
	_, err := acquire(context.Background(), cfg)
	require.NoError(t, err)

	d.Conns()[0].Fail(errors.New("socket reset"))

	assert.Equal(t, 1, d.Conns()[0].CloseCount(), "evicted connection is closed")

	// The next acquisition builds a fresh connection.
	_, err = acquire(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, d.Conns(), 2)
}

func TestShutdownAll(t *testing.T) {
	initTest(t)
	d := drivertest.New()
	Register("stub-shutdown", d)

	_, err := acquire(context.Background(), testConfig("stub-shutdown", "db01"))
	require.NoError(t, err)
	_, err = acquire(context.Background(), testConfig("stub-shutdown", "db02"))
	require.NoError(t, err)

	require.NoError(t, ShutdownAll(context.Background()))
	for _, c := range d.Conns() {
		assert.Equal(t, 1, c.CloseCount())
	}

	// Safe with nothing registered.
	require.NoError(t, ShutdownAll(context.Background()))
}
