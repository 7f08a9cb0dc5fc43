package exporters

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/slipway-build/slipway/internal/types"
)

func testWorkDir(t *testing.T) (workDir, contextDir string) {
	t.Helper()

	base, err := os.MkdirTemp("", "slipway-exporter-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	workDir = filepath.Join(base, "work")
	contextDir = filepath.Join(base, "context")
	rootfs := filepath.Join(workDir, "rootfs")
	for _, dir := range []string{rootfs, contextDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.MkdirAll(filepath.Join(rootfs, "app"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "app", "requirements.txt"), []byte("pkg-a==1.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return workDir, contextDir
}

func tarEntries(t *testing.T, path string) map[string]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	entries := make(map[string]string)
	reader := tar.NewReader(f)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			t.Fatal(err)
		}
		entries[header.Name] = string(content)
	}
	return entries
}

func TestTarExporterWritesRootfs(t *testing.T) {
	workDir, contextDir := testWorkDir(t)

	result := &types.ComposeResult{}
	config := &types.ComposeConfig{
		Context:    contextDir,
		OutputPath: filepath.Join(contextDir, "out.tar"),
	}

	exporter := &TarExporter{}
	if err := exporter.Export(result, config, workDir); err != nil {
		t.Fatal(err)
	}

	if result.OutputPath != config.OutputPath {
		t.Errorf("result should record the output path, got %q", result.OutputPath)
	}

	entries := tarEntries(t, result.OutputPath)
	if entries["app/requirements.txt"] != "pkg-a==1.0\n" {
		t.Errorf("rootfs content missing from archive: %v", entries)
	}
	if _, ok := entries["app/"]; !ok {
		t.Error("directory entry missing from archive")
	}
}

func TestTarExporterDefaultOutputPath(t *testing.T) {
	workDir, contextDir := testWorkDir(t)

	result := &types.ComposeResult{}
	config := &types.ComposeConfig{
		Context: contextDir,
		Tags:    []string{"registry.example.com/team/app:v1"},
	}

	exporter := &TarExporter{}
	if err := exporter.Export(result, config, workDir); err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(contextDir, "registry.example.com-team-app-v1.tar")
	if result.OutputPath != want {
		t.Errorf("expected %q, got %q", want, result.OutputPath)
	}
	if _, err := os.Stat(result.OutputPath); err != nil {
		t.Errorf("archive not written: %v", err)
	}
}

func TestGetExporterRegistry(t *testing.T) {
	for _, format := range []string{"tar", "image", "oci"} {
		if _, err := GetExporter(format); err != nil {
			t.Errorf("exporter %s should be registered: %v", format, err)
		}
	}
	if _, err := GetExporter("bogus"); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
