// Package domain implements the deterministic, pluggable operation
// handlers the replication engine invokes once an update or query becomes
// stable. The engine never inspects these semantics; it only classifies an
// opcode's first dotted segment as "u" (update) or "q" (query).
package domain

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	moviesFields  = []string{"movieId", "title", "genres"}
	ratingsFields = []string{"userId", "movieId", "rating", "timestamp"}
	tagsFields    = []string{"userId", "movieId", "tag", "timestamp"}
)

// Store is the tabular domain store backed by three CSV files. All writers
// are serialized behind a single mutex; mutating rewrites of existing rows
// go through a temp-file-plus-rename so concurrent readers always see a
// consistent snapshot, while purely additive writes just append.
type Store struct {
	mu sync.Mutex

	moviesPath  string
	ratingsPath string
	tagsPath    string
}

// NewStore opens (and, if missing, seeds the header row of) the three
// tables under dir.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		moviesPath:  filepath.Join(dir, "movies.csv"),
		ratingsPath: filepath.Join(dir, "ratings.csv"),
		tagsPath:    filepath.Join(dir, "tags.csv"),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("domain: create data dir: %w", err)
	}
	for _, t := range []struct {
		path   string
		fields []string
	}{
		{s.moviesPath, moviesFields},
		{s.ratingsPath, ratingsFields},
		{s.tagsPath, tagsFields},
	} {
		if err := ensureHeader(t.path, t.fields); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// sampleMovies and sampleRatings are a small MovieLens-style starter
// catalogue, so a freshly created replica has something to query before any
// client has issued an update.
var sampleMovies = [][]string{
	{"1", "Toy Story (1995)", "Adventure|Animation|Children|Comedy|Fantasy"},
	{"2", "Jumanji (1995)", "Adventure|Children|Fantasy"},
	{"6", "Heat (1995)", "Action|Crime|Thriller"},
	{"11", "American President, The (1995)", "Comedy|Drama|Romance"},
	{"47", "Seven (a.k.a. Se7en) (1995)", "Mystery|Thriller"},
}

var sampleRatings = [][]string{
	{"1", "1", "4.0", "964982703"},
	{"1", "2", "3.5", "964982703"},
	{"2", "1", "5.0", "964982931"},
	{"2", "6", "4.5", "964982931"},
	{"3", "47", "3.0", "964983815"},
}

// Seed populates an empty store with the sample catalogue. It is a no-op on
// a store that already has rows, so it is safe to call on every startup.
func (s *Store) Seed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, rows, err := readAll(s.moviesPath)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	for _, rec := range sampleMovies {
		if err := appendRow(s.moviesPath, moviesFields, recordToRow(moviesFields, rec)); err != nil {
			return err
		}
	}
	for _, rec := range sampleRatings {
		if err := appendRow(s.ratingsPath, ratingsFields, recordToRow(ratingsFields, rec)); err != nil {
			return err
		}
	}
	return nil
}

func recordToRow(fields, values []string) map[string]string {
	row := make(map[string]string, len(fields))
	for i, f := range fields {
		row[f] = values[i]
	}
	return row
}

func ensureHeader(path string, fields []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("domain: seed %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func readAll(path string) ([]string, []map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("domain: open %s: %w", path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("domain: read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// atomicRewrite writes rows (in the given field order) to a temp file in
// the same directory as path, then renames it over path. The rename is
// atomic on POSIX filesystems, so a reader opening path never observes a
// partially written file.
func atomicRewrite(path string, fields []string, rows []map[string]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("domain: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	w := csv.NewWriter(tmp)
	if err := w.Write(fields); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	for _, row := range rows {
		rec := make([]string, len(fields))
		for i, f := range fields {
			rec[i] = row[f]
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("domain: rename %s: %w", path, err)
	}
	return nil
}

func appendRow(path string, fields []string, row map[string]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("domain: append %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	rec := make([]string, len(fields))
	for i, fld := range fields {
		rec[i] = row[fld]
	}
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// SnapRating rounds r into [0,5] and snaps it to the nearest 0.5.
func SnapRating(r float64) float64 {
	if r < 0 {
		r = 0
	}
	if r > 5 {
		r = 5
	}
	return math.Round(r*2) / 2
}

// titleKey trims and case-folds a user-supplied title. It is compared with
// stripYear of a stored title, so user-supplied titles are matched without
// the year.
func titleKey(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	return t
}

// stripYear drops a stored title's trailing 7-character release-year suffix
// (e.g. " (1995)") and case-folds the rest.
func stripYear(title string) string {
	t := title
	if len(t) > 7 {
		t = t[:len(t)-7]
	}
	return strings.ToLower(t)
}

func (s *Store) findMovieByTitle(title string) (map[string]string, error) {
	_, rows, err := readAll(s.moviesPath)
	if err != nil {
		return nil, err
	}
	want := titleKey(title)
	for _, row := range rows {
		if stripYear(row["title"]) == want {
			return row, nil
		}
	}
	return nil, fmt.Errorf("%w: no movie found for title %q", ErrNotFound, title)
}

func (s *Store) findMovieByID(movieID string) (map[string]string, error) {
	_, rows, err := readAll(s.moviesPath)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row["movieId"] == movieID {
			return row, nil
		}
	}
	return nil, fmt.Errorf("%w: no movie found for id %s", ErrNotFound, movieID)
}

func nowTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
