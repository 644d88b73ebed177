package liststore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLoadLinesMissingFile(t *testing.T) {
	s := newTestStore(t)
	lines, err := s.LoadLines("absent.txt")
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	if lines != nil {
		t.Fatalf("expected nil for missing file, got %v", lines)
	}
}

func TestSaveLoadLinesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := []string{"-1001", "2002", "-3003"}
	if err := s.SaveLines("groups.txt", "registered destinations", want); err != nil {
		t.Fatalf("SaveLines: %v", err)
	}

	got, err := s.LoadLines("groups.txt")
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Header must survive on disk but never show up as a value.
	raw, err := os.ReadFile(filepath.Join(s.Dir(), "groups.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw[:2]) != "# " {
		t.Fatalf("expected comment header, got %q", raw)
	}
}

func TestLoadLinesSkipsCommentsAndBlanks(t *testing.T) {
	s := newTestStore(t)
	content := "# header\n\n100\n   \n# trailing\n200\n"
	if err := os.WriteFile(filepath.Join(s.Dir(), "ids.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := s.LoadLines("ids.txt")
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	want := []string{"100", "200"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLoadIntsSkipsMalformed(t *testing.T) {
	s := newTestStore(t)
	content := "10\nnot-a-number\n20\n"
	if err := os.WriteFile(filepath.Join(s.Dir(), "ids.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := s.LoadInts("ids.txt")
	if err != nil {
		t.Fatalf("LoadInts: %v", err)
	}
	want := []int{10, 20}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSaveLoadMap(t *testing.T) {
	s := newTestStore(t)
	in := map[string]string{"message_interval": "600s", "cycle_interval": "3600s"}
	if err := s.SaveMap("settings.txt", "runtime settings", in); err != nil {
		t.Fatalf("SaveMap: %v", err)
	}

	got, err := s.LoadMap("settings.txt")
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("got %v, want %v", got, in)
	}
}

func TestSaveLinesOverwrites(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveInts("ids.txt", "", []int{1, 2, 3}); err != nil {
		t.Fatalf("SaveInts: %v", err)
	}
	if err := s.SaveInts("ids.txt", "", []int{4}); err != nil {
		t.Fatalf("SaveInts: %v", err)
	}

	got, err := s.LoadInts("ids.txt")
	if err != nil {
		t.Fatalf("LoadInts: %v", err)
	}
	if !reflect.DeepEqual(got, []int{4}) {
		t.Fatalf("got %v, want [4]", got)
	}
}
