package replica_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-nagy/gossipkv/internal/domain"
	"github.com/d-nagy/gossipkv/internal/replica"
	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

func TestLocalUpdateAppliesImmediately(t *testing.T) {
	h := newHarness(t, 3)

	op := replica.Op{Code: domain.OpAddRating, Params: []string{"7", "toy story", "4.0"}}
	ts, applied, err := h.m(0).SendUpdate(op, zeroTs(3), "uid-A")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []int{1, 0, 0}, ts.Value())
	assert.Equal(t, 1, h.m(0).LogLen())
	assert.Equal(t, []int{1, 0, 0}, h.m(0).ValueTs().Value())

	qOp := replica.Op{Code: domain.OpGetAvgRating, Params: []string{"toy story"}}
	avg, _, err := h.m(0).SendQuery(context.Background(), qOp, ts)
	require.NoError(t, err)
	assert.Equal(t, 4.0, avg)
}

func TestQueryBlocksUntilGossipMakesItStable(t *testing.T) {
	h := newHarness(t, 3)

	op := replica.Op{Code: domain.OpAddRating, Params: []string{"7", "toy story", "4.0"}}
	feTs, _, err := h.m(0).SendUpdate(op, zeroTs(3), "uid-A")
	require.NoError(t, err)

	qOp := replica.Op{Code: domain.OpGetAvgRating, Params: []string{"toy story"}}

	type result struct {
		val interface{}
		ts  vectorclock.Clock
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		val, rts, err := h.m(1).SendQuery(ctx, qOp, feTs)
		resCh <- result{val, rts, err}
	}()

	// Give the goroutine time to register as a pending waiter.
	time.Sleep(50 * time.Millisecond)

	// Gossip from replica 0 to replica 1.
	h.gossipRound()

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Equal(t, 4.0, r.val)
		le, err := feTs.LessEq(r.ts)
		require.NoError(t, err)
		assert.True(t, le)
	case <-time.After(2 * time.Second):
		t.Fatal("deferred query never resolved")
	}
}

func TestCausalChainConvergesAcrossReplicas(t *testing.T) {
	h := newHarness(t, 3)
	for i := 0; i < 3; i++ {
		h.m(i).ToggleAutoStatus(false)
	}

	feTs := zeroTs(3)
	op1 := replica.Op{Code: domain.OpAddRating, Params: []string{"1", "toy story", "3.0"}}
	ts1, _, err := h.m(0).SendUpdate(op1, feTs, "uid-1")
	require.NoError(t, err)
	feTs, err = feTs.Merge(ts1)
	require.NoError(t, err)

	op2 := replica.Op{Code: domain.OpAddTag, Params: []string{"1", "toy story", "classic"}}
	ts2, _, err := h.m(1).SendUpdate(op2, feTs, "uid-2")
	require.NoError(t, err)
	feTs, err = feTs.Merge(ts2)
	require.NoError(t, err)

	// Converge every replica.
	for i := 0; i < 5; i++ {
		h.gossipRound()
	}

	for i := 0; i < 3; i++ {
		le, err := feTs.LessEq(h.m(i).ValueTs())
		require.NoError(t, err)
		assert.True(t, le, "replica %d should have applied both updates", i)
	}
}

func TestDuplicateGossipDeliveryIsNoop(t *testing.T) {
	h := newHarness(t, 3)

	op := replica.Op{Code: domain.OpAddRating, Params: []string{"1", "toy story", "3.0"}}
	ts, _, err := h.m(0).SendUpdate(op, zeroTs(3), "uid-dup")
	require.NoError(t, err)

	record := replica.Record{Origin: 0, Ts: ts, Op: op, Prev: zeroTs(3), ID: "uid-dup"}

	require.NoError(t, h.m(2).SendGossip([]replica.Record{record}, h.m(0).ReplicaTs(), 0))
	vts1 := h.m(2).ValueTs()

	require.NoError(t, h.m(2).SendGossip([]replica.Record{record}, h.m(0).ReplicaTs(), 0))
	vts2 := h.m(2).ValueTs()

	assert.True(t, vts1.Equal(vts2))
}

func TestOfflineReplicaRejoinsAndConverges(t *testing.T) {
	h := newHarness(t, 3)
	h.m(0).SetStatus(replica.Offline)
	h.m(0).ToggleAutoStatus(false)
	h.m(1).ToggleAutoStatus(false)
	h.m(2).ToggleAutoStatus(false)

	op1 := replica.Op{Code: domain.OpAddRating, Params: []string{"1", "toy story", "3.0"}}
	_, _, err := h.m(1).SendUpdate(op1, zeroTs(3), "uid-r1")
	require.NoError(t, err)

	op2 := replica.Op{Code: domain.OpAddTag, Params: []string{"1", "jumanji", "fun"}}
	_, _, err = h.m(2).SendUpdate(op2, zeroTs(3), "uid-r2")
	require.NoError(t, err)

	h.m(0).SetStatus(replica.Active)

	for i := 0; i < 6; i++ {
		h.gossipRound()
	}

	v0, v1, v2 := h.m(0).ValueTs(), h.m(1).ValueTs(), h.m(2).ValueTs()
	assert.True(t, v0.Equal(v1))
	assert.True(t, v1.Equal(v2))
}

// Rating-snap rounding is exercised at the domain layer in handlers_test.go
// and at the front-end layer in frontend_test.go; SendUpdate itself is
// opaque to the value it is given.

func TestDuplicateUpdateIsSentinel(t *testing.T) {
	h := newHarness(t, 3)
	op := replica.Op{Code: domain.OpAddRating, Params: []string{"1", "toy story", "3.0"}}
	_, applied, err := h.m(0).SendUpdate(op, zeroTs(3), "uid-once")
	require.NoError(t, err)
	assert.True(t, applied)

	_, applied, err = h.m(0).SendUpdate(op, zeroTs(3), "uid-once")
	require.NoError(t, err)
	assert.False(t, applied, "replaying the same update id must be a no-op sentinel, not an error")
}

func TestOfflineRejectsRPCs(t *testing.T) {
	h := newHarness(t, 3)
	h.m(0).SetStatus(replica.Offline)

	op := replica.Op{Code: domain.OpAddRating, Params: []string{"1", "toy story", "3.0"}}
	_, _, err := h.m(0).SendUpdate(op, zeroTs(3), "uid-x")
	assert.ErrorIs(t, err, replica.ErrPeerUnavailable)

	// get_status must still answer while offline.
	assert.Equal(t, replica.Offline, h.m(0).GetStatus())
}

func TestGossipIsNoopWhenReceiverOffline(t *testing.T) {
	h := newHarness(t, 3)
	op := replica.Op{Code: domain.OpAddRating, Params: []string{"1", "toy story", "3.0"}}
	ts, _, err := h.m(0).SendUpdate(op, zeroTs(3), "uid-y")
	require.NoError(t, err)
	record := replica.Record{Origin: 0, Ts: ts, Op: op, Prev: zeroTs(3), ID: "uid-y"}

	h.m(1).SetStatus(replica.Offline)
	require.NoError(t, h.m(1).SendGossip([]replica.Record{record}, h.m(0).ReplicaTs(), 0))
	assert.Equal(t, 0, h.m(1).LogLen())
}

func TestShutdownCancelsPendingQuery(t *testing.T) {
	h := newHarness(t, 3)
	qOp := replica.Op{Code: domain.OpGetAvgRating, Params: []string{"toy story"}}
	feTs := vectorclock.FromSlice([]int{1, 0, 0})

	var wg sync.WaitGroup
	var gotErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := h.m(1).SendQuery(context.Background(), qOp, feTs)
		gotErr = err
	}()

	time.Sleep(50 * time.Millisecond)
	h.m(1).Shutdown()
	wg.Wait()

	assert.ErrorIs(t, gotErr, replica.ErrCancelled)
}
