package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLogFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveLogReaderMissing(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenArchiveLogReader(filepath.Join(dir, "nope"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Missing() {
		t.Fatal("expected Missing() true")
	}
	items, err := r.SortedItems()
	if err != nil || items != nil {
		t.Fatalf("items = %v, %v; want nil, nil", items, err)
	}
}

func TestArchiveLogReaderNotAllowedMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenArchiveLogReader(filepath.Join(dir, "nope"), false); err == nil {
		t.Fatal("expected an error opening a missing file without allowMissing")
	}
}

func TestArchiveLogReaderSortsBySeqnumThenTimestamp(t *testing.T) {
	dir := t.TempDir()
	content := "S20\n20200102030405000000\nfirst\nS10\n20200101030405000000\nsecond\nthird\n"
	path := writeLogFile(t, dir, "log", content)

	r, err := OpenArchiveLogReader(path, false)
	if err != nil {
		t.Fatal(err)
	}

	unsorted, err := r.Items()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsorted) != 3 || unsorted[0].Line != "first" {
		t.Fatalf("unexpected unsorted items: %+v", unsorted)
	}

	sorted, err := r.SortedItems()
	if err != nil {
		t.Fatal(err)
	}
	if len(sorted) != 3 {
		t.Fatalf("got %d items, want 3", len(sorted))
	}
	if sorted[0].Line != "second" || sorted[1].Line != "third" || sorted[2].Line != "first" {
		t.Fatalf("unexpected sort order: %+v", sorted)
	}
}

func TestMergeSorted(t *testing.T) {
	a := []LogItem{{Seqnum: 1, Line: "a"}, {Seqnum: 3, Line: "c"}}
	b := []LogItem{{Seqnum: 2, Line: "b"}}
	merged := MergeSorted(a, b)
	if len(merged) != 3 || merged[0].Line != "a" || merged[1].Line != "b" || merged[2].Line != "c" {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}
