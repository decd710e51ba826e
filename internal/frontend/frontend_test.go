package frontend_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/domain"
	"github.com/d-nagy/gossipkv/internal/frontend"
	"github.com/d-nagy/gossipkv/internal/replica"
)

type fixture struct {
	managers []*replica.Manager
	resolver *directory.StaticResolver
	dial     replica.PeerDialer
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	res := directory.NewStaticResolver()
	fx := &fixture{resolver: res}

	for i := 0; i < n; i++ {
		dir := filepath.Join(t.TempDir(), fmt.Sprintf("replica-%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "movies.csv"), []byte(
			"movieId,title,genres\n1,Toy Story (1995),Animation|Children|Comedy\n"), 0o644))
		store, err := domain.NewStore(dir)
		require.NoError(t, err)

		cfg := replica.DefaultConfig(n)
		m := replica.New(i, cfg, domain.NewRegistry(), store, res, zap.NewNop(), nil)
		m.ToggleAutoStatus(false)
		fx.managers = append(fx.managers, m)
		require.NoError(t, res.Register(directory.ReplicaName(i), fmt.Sprintf("local:%d", i)))
	}

	fx.dial = func(endpoint string) replica.Peer {
		idStr := strings.TrimPrefix(endpoint, "local:")
		id, err := strconv.Atoi(idStr)
		require.NoError(t, err)
		return replica.LocalPeer{M: fx.managers[id]}
	}
	return fx
}

func (fx *fixture) m(i int) *replica.Manager { return fx.managers[i] }

func TestAddRatingSnapsBeforeSend(t *testing.T) {
	fx := newFixture(t, 3)
	fe := frontend.New(3, fx.resolver, fx.dial, zap.NewNop())

	applied, err := fe.AddRating("7", "toy story", 3.7)
	require.NoError(t, err)
	assert.True(t, applied)

	qOp := replica.Op{Code: domain.OpGetAvgRating, Params: []string{"toy story"}}
	val, err := fe.SendQuery(context.Background(), qOp)
	require.NoError(t, err)
	assert.Equal(t, 3.5, val)
}

func TestFrontEndCausalSession(t *testing.T) {
	fx := newFixture(t, 3)
	fe := frontend.New(3, fx.resolver, fx.dial, zap.NewNop())

	applied, err := fe.AddRating("1", "toy story", 4.0)
	require.NoError(t, err)
	assert.True(t, applied)

	qOp := replica.Op{Code: domain.OpGetAvgRating, Params: []string{"toy story"}}
	val, err := fe.SendQuery(context.Background(), qOp)
	require.NoError(t, err)
	assert.Equal(t, 4.0, val)

	// The session stays pinned to whichever replica served the update, so
	// the causal read lands on the same state without needing gossip.
	assert.Equal(t, 1, sumVec(fe.FeTs().Value()))
}

func sumVec(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestFrontEndReselectsOnOffline(t *testing.T) {
	fx := newFixture(t, 3)
	fx.m(0).SetStatus(replica.Offline)
	fx.m(1).SetStatus(replica.Offline)
	fe := frontend.New(3, fx.resolver, fx.dial, zap.NewNop())

	applied, err := fe.AddRating("1", "toy story", 5.0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, fe.FeTs().Value()[2])
}

func TestFrontEndNoReplicasAvailable(t *testing.T) {
	fx := newFixture(t, 3)
	for i := 0; i < 3; i++ {
		fx.m(i).SetStatus(replica.Offline)
	}
	fe := frontend.New(3, fx.resolver, fx.dial, zap.NewNop())

	_, err := fe.AddRating("1", "toy story", 5.0)
	assert.ErrorIs(t, err, frontend.ErrNoReplicas)
}

func TestSendRequestRoutesByOpcodePrefix(t *testing.T) {
	fx := newFixture(t, 3)
	fe := frontend.New(3, fx.resolver, fx.dial, zap.NewNop())

	applied, err := fe.SendRequest(context.Background(), domain.OpAddRating, []string{"1", "toy story", "4.0"})
	require.NoError(t, err)
	assert.Equal(t, true, applied)

	val, err := fe.SendRequest(context.Background(), domain.OpGetAvgRating, []string{"toy story"})
	require.NoError(t, err)
	assert.Equal(t, 4.0, val)
}

func TestSendRequestRejectsUnknownOpcode(t *testing.T) {
	fx := newFixture(t, 3)
	fe := frontend.New(3, fx.resolver, fx.dial, zap.NewNop())

	_, err := fe.SendRequest(context.Background(), "x.not_a_real_opcode", nil)
	assert.ErrorIs(t, err, frontend.ErrBadRequest)
}

func TestFrontEndSequentialUpdatesOverwriteRating(t *testing.T) {
	fx := newFixture(t, 1)
	fe := frontend.New(1, fx.resolver, fx.dial, zap.NewNop())

	applied, err := fe.AddRating("1", "toy story", 4.0)
	require.NoError(t, err)
	assert.True(t, applied)

	// add_rating overwrites the same user's existing rating for the movie
	// rather than creating a second row (domain.updateAddRating).
	applied, err = fe.AddRating("1", "toy story", 3.0)
	require.NoError(t, err)
	assert.True(t, applied)

	qOp := replica.Op{Code: domain.OpGetAvgRating, Params: []string{"toy story"}}
	val, err := fe.SendQuery(context.Background(), qOp)
	require.NoError(t, err)
	assert.Equal(t, 3.0, val)
}
