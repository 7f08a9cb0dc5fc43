package executors

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/slipway-build/slipway/internal/errors"
	"github.com/slipway-build/slipway/internal/types"
	"github.com/slipway-build/slipway/layers"
)

// LocalExecutor runs steps directly on the host. Run commands execute with
// the rootfs as working directory and SLIPWAY_ROOTFS exported; copy steps
// resolve sources against the build context and write into the rootfs.
type LocalExecutor struct{}

func init() {
	RegisterExecutor("local", NewLocalExecutor())
}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (e *LocalExecutor) Execute(step *types.Step, rootfs, contextDir string) (*types.StepResult, error) {
	result := &types.StepResult{
		Step:    step,
		Success: false,
	}

	switch step.Kind {
	case types.StepKindCopy:
		return e.executeCopy(step, rootfs, contextDir, result)
	case types.StepKindRun:
		return e.executeRun(step, rootfs, result)
	default:
		result.Error = fmt.Sprintf("unsupported step kind: %s", step.Kind)
		return result, errors.New(errors.CategoryPartialBuild, result.Error)
	}
}

func (e *LocalExecutor) executeCopy(step *types.Step, rootfs, contextDir string, result *types.StepResult) (*types.StepResult, error) {
	if step.Source == "" || step.Dest == "" {
		result.Error = "copy step requires source and dest"
		return result, errors.New(errors.CategoryMissingInput, result.Error)
	}

	source, err := resolveContextPath(contextDir, step.Source)
	if err != nil {
		result.Error = err.Error()
		return result, errors.NewMissingInput(result.Error, nil)
	}

	info, err := os.Stat(source)
	if err != nil {
		result.Error = fmt.Sprintf("copy source %s not found in build context", step.Source)
		return result, errors.NewMissingInput(result.Error, err)
	}

	destPath := filepath.Join(rootfs, strings.TrimPrefix(step.Dest, "/"))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		result.Error = fmt.Sprintf("failed to create destination directory: %v", err)
		return result, errors.Wrap(errors.CategoryFilesystem, "copy failed", err)
	}

	if info.IsDir() {
		err = layers.CopyTree(source, destPath)
	} else {
		err = layers.CopyFile(source, destPath, info.Mode())
	}
	if err != nil {
		result.Error = fmt.Sprintf("copy failed: %v", err)
		return result, errors.Wrap(errors.CategoryFilesystem, "copy failed", err)
	}

	result.Success = true
	return result, nil
}

func (e *LocalExecutor) executeRun(step *types.Step, rootfs string, result *types.StepResult) (*types.StepResult, error) {
	if len(step.Command) == 0 {
		result.Error = "run step missing command"
		return result, errors.New(errors.CategoryMissingInput, result.Error)
	}

	workDir := rootfs
	if step.WorkDir != "" {
		workDir = filepath.Join(rootfs, strings.TrimPrefix(step.WorkDir, "/"))
		if err := os.MkdirAll(workDir, 0755); err != nil {
			result.Error = fmt.Sprintf("failed to create workdir: %v", err)
			return result, errors.Wrap(errors.CategoryFilesystem, "run failed", err)
		}
	}

	cmd := exec.Command(step.Command[0], step.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnvironment(step.Environment, rootfs)

	output, err := cmd.CombinedOutput()
	result.Output = string(output)

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("command exited with code %d", result.ExitCode)
			return result, errors.NewCommandFailure(result.Error, result.Output, result.ExitCode)
		}
		result.Error = fmt.Sprintf("failed to start command: %v", err)
		return result, errors.NewCommandFailure(result.Error, result.Output, -1)
	}

	result.Success = true
	return result, nil
}

// resolveContextPath joins a context-relative source and rejects paths that
// escape the build context.
func resolveContextPath(contextDir, source string) (string, error) {
	if filepath.IsAbs(source) {
		return "", fmt.Errorf("copy source %s must be relative to the build context", source)
	}

	resolved := filepath.Join(contextDir, source)
	cleanContext := filepath.Clean(contextDir)
	if resolved != cleanContext && !strings.HasPrefix(resolved, cleanContext+string(os.PathSeparator)) {
		return "", fmt.Errorf("copy source %s escapes the build context", source)
	}

	return resolved, nil
}

func buildEnvironment(env map[string]string, rootfs string) []string {
	merged := os.Environ()
	merged = append(merged, "SLIPWAY_ROOTFS="+rootfs)

	normalized := types.NormalizeEnvironment(env)
	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+normalized[k])
	}

	return merged
}
