package executors

import (
	"fmt"

	"github.com/slipway-build/slipway/internal/types"
)

// Executor applies a single build step to the rootfs snapshot. contextDir is
// the build context that copy steps resolve their sources against.
type Executor interface {
	Execute(step *types.Step, rootfs, contextDir string) (*types.StepResult, error)
}

var executors = make(map[string]Executor)

func RegisterExecutor(name string, executor Executor) {
	executors[name] = executor
}

func GetExecutor(name string) (Executor, error) {
	executor, exists := executors[name]
	if !exists {
		return nil, fmt.Errorf("executor %s not found", name)
	}
	return executor, nil
}

func ListExecutors() []string {
	names := make([]string, 0, len(executors))
	for name := range executors {
		names = append(names, name)
	}
	return names
}
