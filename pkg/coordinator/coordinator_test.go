package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rollstate/pkg/engine"
	"github.com/cuemby/rollstate/pkg/events"
	"github.com/cuemby/rollstate/pkg/reconciler"
	"github.com/cuemby/rollstate/pkg/smt"
	"github.com/cuemby/rollstate/pkg/storage"
	"github.com/cuemby/rollstate/pkg/types"
)

func newTestCoordinator(t *testing.T, fetch Fetch, interval time.Duration) *Coordinator {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e := engine.New(s, smt.NewForest())
	r := reconciler.New(e, s, events.NewBus())
	return New(r, fetch, interval)
}

func TestRunSyncAndRunTransactionAreMutuallyExclusive(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	var inFlight int32
	var sawOverlap int32
	task := func(context.Context) error {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&sawOverlap, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	done := make(chan struct{}, 2)
	go func() { _ = c.RunSync(context.Background(), task); done <- struct{}{} }()
	go func() { _ = c.RunTransaction(context.Background(), task); done <- struct{}{} }()
	<-done
	<-done

	assert.Zero(t, sawOverlap, "RunSync and RunTransaction must never run concurrently")
}

func TestStartBackgroundSyncFetchesAndReconciles(t *testing.T) {
	var calls int32
	fetch := func(context.Context) (types.StateSyncUpdate, error) {
		n := atomic.AddInt32(&calls, 1)
		return types.StateSyncUpdate{BlockNum: uint32(n)}, nil
	}
	c := newTestCoordinator(t, fetch, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartBackgroundSync(ctx)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Shutdown())

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}
