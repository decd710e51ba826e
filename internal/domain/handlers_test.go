package domain_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-nagy/gossipkv/internal/domain"
)

// newSeededStore creates a store whose movies.csv has one seeded row.
// Movies are reference data; none of the update handlers create them, so
// tests that exercise ratings/tags seed a movie directly.
func newSeededStore(t *testing.T) (*domain.Store, *domain.Registry) {
	t.Helper()
	dir := t.TempDir()

	_, err := domain.NewStore(dir) // writes CSV headers
	require.NoError(t, err)

	moviesPath := filepath.Join(dir, "movies.csv")
	require.NoError(t, os.WriteFile(moviesPath,
		[]byte("movieId,title,genres\n1,Toy Story (1995),Animation|Children|Comedy\n"),
		0o644))

	s, err := domain.NewStore(dir)
	require.NoError(t, err)
	return s, domain.NewRegistry()
}

func TestClassifyOp(t *testing.T) {
	assert.Equal(t, domain.KindUpdate, domain.ClassifyOp("u.add_rating"))
	assert.Equal(t, domain.KindQuery, domain.ClassifyOp("q.get_movie"))
	assert.Equal(t, domain.KindUnknown, domain.ClassifyOp("x.bogus"))
	assert.Equal(t, domain.KindUnknown, domain.ClassifyOp("noSeparator"))
}

func TestSnapRating(t *testing.T) {
	assert.Equal(t, 3.5, domain.SnapRating(3.7))
	assert.Equal(t, 4.0, domain.SnapRating(3.8))
	assert.Equal(t, 0.0, domain.SnapRating(-1))
	assert.Equal(t, 5.0, domain.SnapRating(9))
}

func TestAddRatingThenAvgAndOverwrite(t *testing.T) {
	s, reg := newSeededStore(t)

	require.NoError(t, reg.ApplyUpdate(s, domain.OpAddRating, []string{"7", "toy story", "4.0"}))
	avg, err := reg.ApplyQuery(s, domain.OpGetAvgRating, []string{"toy story"})
	require.NoError(t, err)
	assert.Equal(t, 4.0, avg)

	// Overwrite: same user, same movie rewrites the existing row atomically.
	require.NoError(t, reg.ApplyUpdate(s, domain.OpAddRating, []string{"7", "toy story", "2.0"}))
	avg, err = reg.ApplyQuery(s, domain.OpGetAvgRating, []string{"toy story"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg)
}

func TestAddRatingSnapsValue(t *testing.T) {
	s, reg := newSeededStore(t)
	require.NoError(t, reg.ApplyUpdate(s, domain.OpAddRating, []string{"7", "toy story", "3.7"}))
	avg, err := reg.ApplyQuery(s, domain.OpGetAvgRating, []string{"toy story"})
	require.NoError(t, err)
	assert.Equal(t, 3.5, avg)
}

func TestAddTagAndGetTags(t *testing.T) {
	s, reg := newSeededStore(t)
	require.NoError(t, reg.ApplyUpdate(s, domain.OpAddTag, []string{"7", "toy story", "classic"}))
	tags, err := reg.ApplyQuery(s, domain.OpGetTags, []string{"toy story"})
	require.NoError(t, err)
	assert.Contains(t, tags, "classic")
}

func TestGetMovieUnknownTitle(t *testing.T) {
	s, reg := newSeededStore(t)
	_, err := reg.ApplyQuery(s, domain.OpGetMovie, []string{"nonexistent film"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSearchByGenreAndTag(t *testing.T) {
	s, reg := newSeededStore(t)
	require.NoError(t, reg.ApplyUpdate(s, domain.OpAddTag, []string{"7", "toy story", "pixar"}))

	byGenre, err := reg.ApplyQuery(s, domain.OpSearchGenre, []string{"comedy"})
	require.NoError(t, err)
	assert.Len(t, byGenre, 1)

	byTag, err := reg.ApplyQuery(s, domain.OpSearchTag, []string{"pixar"})
	require.NoError(t, err)
	assert.Len(t, byTag, 1)
}

func TestUnknownOpcode(t *testing.T) {
	s, reg := newSeededStore(t)
	err := reg.ApplyUpdate(s, "u.nope", nil)
	assert.ErrorIs(t, err, domain.ErrBadArgs)
	_, err = reg.ApplyQuery(s, "q.nope", nil)
	assert.ErrorIs(t, err, domain.ErrBadArgs)
}

func TestSeedPopulatesEmptyStoreOnce(t *testing.T) {
	dir := t.TempDir()
	reg := domain.NewRegistry()

	st, err := domain.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.Seed())

	_, err = reg.ApplyQuery(st, domain.OpGetMovie, []string{"toy story"})
	require.NoError(t, err)

	avg, err := reg.ApplyQuery(st, domain.OpGetAvgRating, []string{"toy story"})
	require.NoError(t, err)
	assert.Greater(t, avg, 0.0)

	// Re-seeding an already-populated store is a no-op, not a duplicate append.
	require.NoError(t, st.Seed())
	rows, err := reg.ApplyQuery(st, domain.OpSearchGenre, []string{"adventure"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
