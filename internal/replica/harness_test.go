package replica_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/domain"
	"github.com/d-nagy/gossipkv/internal/replica"
	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

// harness wires N in-process Managers together through a StaticResolver and
// a dialer that resolves directly to LocalPeer, simulating the full gossip
// topology without any network I/O.
type harness struct {
	t        *testing.T
	n        int
	managers []*replica.Manager
	resolver *directory.StaticResolver
	loops    []*replica.GossipLoop
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	res := directory.NewStaticResolver()
	h := &harness{t: t, n: n, resolver: res}

	for i := 0; i < n; i++ {
		dir := filepath.Join(t.TempDir(), fmt.Sprintf("replica-%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		store, err := domain.NewStore(dir)
		require.NoError(t, err)
		require.NoError(t, seedMovies(dir))

		cfg := replica.DefaultConfig(n)
		m := replica.New(i, cfg, domain.NewRegistry(), store, res, zap.NewNop(), nil)
		h.managers = append(h.managers, m)
		require.NoError(t, res.Register(directory.ReplicaName(i), fmt.Sprintf("local:%d", i)))
	}

	dial := func(endpoint string) replica.Peer {
		idStr := strings.TrimPrefix(endpoint, "local:")
		id, err := strconv.Atoi(idStr)
		require.NoError(t, err)
		return replica.LocalPeer{M: h.managers[id]}
	}

	for i := 0; i < n; i++ {
		h.loops = append(h.loops, replica.NewGossipLoop(h.managers[i], res, dial, zap.NewNop()))
	}
	return h
}

func seedMovies(dir string) error {
	path := filepath.Join(dir, "movies.csv")
	return os.WriteFile(path, []byte(
		"movieId,title,genres\n"+
			"1,Toy Story (1995),Animation|Children|Comedy\n"+
			"2,Jumanji (1995),Adventure|Children|Fantasy\n"),
		0o644)
}

// gossipRound ticks every replica's loop once. Call it repeatedly to let a
// topology fully converge.
func (h *harness) gossipRound() {
	for _, l := range h.loops {
		l.TickOnce()
	}
}

func (h *harness) m(i int) *replica.Manager { return h.managers[i] }

func zeroTs(n int) vectorclock.Clock { return vectorclock.New(n) }
