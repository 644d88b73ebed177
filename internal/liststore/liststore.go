// Package liststore persists small line-oriented state files under a data
// directory: one value per line, "#" comments and blank lines ignored.
// Writes go through a temp file and rename so a crash never leaves a
// half-written file behind.
package liststore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}

// LoadLines reads the file for key. A missing file is not an error; it
// returns (nil, nil) so first boot works with no state on disk.
func (s *Store) LoadLines(key string) ([]string, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

// SaveLines atomically replaces the file for key. comment, when non-empty,
// is written as a leading "# ..." header line.
func (s *Store) SaveLines(key, comment string, lines []string) error {
	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if comment != "" {
		if _, err := fmt.Fprintf(w, "# %s\n", comment); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// LoadInts reads integer lines for key. Malformed lines are skipped rather
// than failing the whole load; one bad line should not wipe the set.
func (s *Store) LoadInts(key string) ([]int, error) {
	lines, err := s.LoadLines(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(lines))
	for _, line := range lines {
		n, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) SaveInts(key, comment string, vals []int) error {
	lines := make([]string, 0, len(vals))
	for _, v := range vals {
		lines = append(lines, strconv.Itoa(v))
	}
	return s.SaveLines(key, comment, lines)
}

// LoadMap reads "k=v" lines for key. Lines without "=" are skipped.
func (s *Store) LoadMap(key string) (map[string]string, error) {
	lines, err := s.LoadLines(key)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(lines))
	for _, line := range lines {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m, nil
}

// SaveMap writes "k=v" lines sorted by key for stable diffs.
func (s *Store) SaveMap(key, comment string, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+m[k])
	}
	return s.SaveLines(key, comment, lines)
}
