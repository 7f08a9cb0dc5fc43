package executors

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slipway-build/slipway/internal/errors"
	"github.com/slipway-build/slipway/internal/types"
)

func testDirs(t *testing.T) (rootfs, contextDir string) {
	t.Helper()

	base, err := os.MkdirTemp("", "slipway-executor-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	rootfs = filepath.Join(base, "rootfs")
	contextDir = filepath.Join(base, "context")
	for _, dir := range []string{rootfs, contextDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return rootfs, contextDir
}

func TestExecuteCopy(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	if err := os.WriteFile(filepath.Join(contextDir, "requirements.txt"), []byte("pkg-a==1.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	step := &types.Step{
		Kind:   types.StepKindCopy,
		Source: "requirements.txt",
		Dest:   "/app/requirements.txt",
	}

	result, err := executor.Execute(step, rootfs, contextDir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("copy failed: %s", result.Error)
	}

	content, err := os.ReadFile(filepath.Join(rootfs, "app", "requirements.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "pkg-a==1.0\n" {
		t.Errorf("unexpected copied content: %q", content)
	}
}

func TestExecuteCopyMissingSource(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	step := &types.Step{
		Kind:   types.StepKindCopy,
		Source: "missing.txt",
		Dest:   "/app/missing.txt",
	}

	result, err := executor.Execute(step, rootfs, contextDir)
	if err == nil {
		t.Fatal("expected error for missing copy source")
	}
	if !errors.IsMissingInput(err) {
		t.Errorf("expected missing input category, got %v", err)
	}
	if result.Success {
		t.Error("result must not report success")
	}
}

func TestExecuteCopyRejectsEscape(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	for _, source := range []string{"../outside.txt", "/etc/passwd"} {
		step := &types.Step{Kind: types.StepKindCopy, Source: source, Dest: "/x"}
		if _, err := executor.Execute(step, rootfs, contextDir); !errors.IsMissingInput(err) {
			t.Errorf("source %q: expected missing input error, got %v", source, err)
		}
	}
}

func TestExecuteRun(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	step := &types.Step{
		Kind:    types.StepKindRun,
		Command: []string{"/bin/sh", "-c", "echo hello > marker.txt"},
	}

	result, err := executor.Execute(step, rootfs, contextDir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}

	content, err := os.ReadFile(filepath.Join(rootfs, "marker.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(content)) != "hello" {
		t.Errorf("unexpected marker content: %q", content)
	}
}

func TestExecuteRunCapturesFailure(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	step := &types.Step{
		Kind:    types.StepKindRun,
		Command: []string{"/bin/sh", "-c", "echo install blew up >&2; exit 3"},
	}

	result, err := executor.Execute(step, rootfs, contextDir)
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !errors.IsCommandFailure(err) {
		t.Errorf("expected command failure category, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Output, "install blew up") {
		t.Errorf("expected captured diagnostics, got %q", result.Output)
	}
}

func TestExecuteRunEnvironment(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	step := &types.Step{
		Kind:        types.StepKindRun,
		Command:     []string{"/bin/sh", "-c", "printf '%s' \"$PIP_NO_CACHE_DIR\" > env.txt"},
		Environment: map[string]string{"PIP_NO_CACHE_DIR": "1"},
	}

	result, err := executor.Execute(step, rootfs, contextDir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}

	content, err := os.ReadFile(filepath.Join(rootfs, "env.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "1" {
		t.Errorf("step environment not applied, got %q", content)
	}
}

func TestExecuteRunWorkDir(t *testing.T) {
	rootfs, contextDir := testDirs(t)
	executor := NewLocalExecutor()

	step := &types.Step{
		Kind:    types.StepKindRun,
		Command: []string{"/bin/sh", "-c", "pwd > loc.txt"},
		WorkDir: "/srv/app",
	}

	result, err := executor.Execute(step, rootfs, contextDir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}

	if _, err := os.Stat(filepath.Join(rootfs, "srv", "app", "loc.txt")); err != nil {
		t.Errorf("workdir not created or not used: %v", err)
	}
}

func TestGetExecutorRegistry(t *testing.T) {
	if _, err := GetExecutor("local"); err != nil {
		t.Errorf("local executor should be registered: %v", err)
	}
	if _, err := GetExecutor("bogus"); err == nil {
		t.Error("expected error for unknown executor")
	}

	found := false
	for _, name := range ListExecutors() {
		if name == "local" {
			found = true
		}
	}
	if !found {
		t.Error("local executor missing from list")
	}
}
