package layers

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanMissingRoot(t *testing.T) {
	files, err := Scan("/nonexistent/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty scan, got %d entries", len(files))
	}
}

func TestScanRelativePaths(t *testing.T) {
	dir, err := os.MkdirTemp("", "slipway-layers-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	writeFile(t, filepath.Join(dir, "app", "requirements.txt"), "pkg-a==1.0\n")

	files, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := files["/app"]; !ok {
		t.Error("expected /app directory entry")
	}
	if _, ok := files["/app/requirements.txt"]; !ok {
		t.Error("expected /app/requirements.txt entry")
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	dir, err := os.MkdirTemp("", "slipway-layers-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	writeFile(t, filepath.Join(dir, "kept.txt"), "same")
	writeFile(t, filepath.Join(dir, "changed.txt"), "old")
	writeFile(t, filepath.Join(dir, "removed.txt"), "gone")

	oldFiles, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Mutate the same rootfs in place, the way a build step does between
	// the before and after scans.
	writeFile(t, filepath.Join(dir, "changed.txt"), "new content")
	writeFile(t, filepath.Join(dir, "added.txt"), "fresh")
	if err := os.Remove(filepath.Join(dir, "removed.txt")); err != nil {
		t.Fatal(err)
	}

	newFiles, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}

	changes := Diff(oldFiles, newFiles, dir)

	byPath := make(map[string]ChangeType)
	for _, c := range changes {
		byPath[c.Path] = c.Type
	}

	if byPath["/added.txt"] != ChangeTypeAdd {
		t.Errorf("expected add for /added.txt, got %q", byPath["/added.txt"])
	}
	if byPath["/changed.txt"] != ChangeTypeModify {
		t.Errorf("expected modify for /changed.txt, got %q", byPath["/changed.txt"])
	}
	if byPath["/removed.txt"] != ChangeTypeDelete {
		t.Errorf("expected delete for /removed.txt, got %q", byPath["/removed.txt"])
	}
	if _, ok := byPath["/kept.txt"]; ok {
		t.Error("unchanged file must not appear in the diff")
	}
}

func TestDiffSortedByPath(t *testing.T) {
	dir, err := os.MkdirTemp("", "slipway-layers-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	writeFile(t, filepath.Join(dir, "b.txt"), "b")
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "c.txt"), "c")

	newFiles, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}

	changes := Diff(map[string]*FileInfo{}, newFiles, dir)
	for i := 1; i < len(changes); i++ {
		if changes[i-1].Path >= changes[i].Path {
			t.Fatalf("changes not sorted: %s before %s", changes[i-1].Path, changes[i].Path)
		}
	}
}
