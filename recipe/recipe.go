// Package recipe defines the declarative build recipe: a base image plus an
// ordered list of steps. Step ordering is fully user-controlled; the default
// recipe places the content-stable package-manager upgrade before the
// content-volatile manifest copy so a manifest edit never invalidates the
// upgrade layer.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/slipway-build/slipway/internal/errors"
	"github.com/slipway-build/slipway/internal/types"
)

const (
	// DefaultManifestSource is the build-context file the default recipe copies.
	DefaultManifestSource = "requirements.txt"
	// DefaultManifestDest is the fixed in-image path the install step reads.
	DefaultManifestDest = "/app/requirements.txt"
)

type Recipe struct {
	Base  string     `yaml:"base"`
	Steps []StepSpec `yaml:"steps"`
}

type StepSpec struct {
	Name    string            `yaml:"name,omitempty"`
	Run     string            `yaml:"run,omitempty"`
	Copy    *CopySpec         `yaml:"copy,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty"`
}

type CopySpec struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
}

// Load reads a recipe file in YAML form.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryRecipe, "failed to read recipe", err)
	}

	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(errors.CategoryRecipe, "failed to parse recipe", err)
	}

	return &r, nil
}

// Default synthesizes the standard three-step recipe: upgrade the package
// manager, copy the dependency manifest to its fixed path, then install every
// listed dependency with the local download cache disabled. pinManager pins
// the manager to an exact version instead of upgrading to latest, which keeps
// rebuilds reproducible against a moving package index.
func Default(base, manifestSource, manifestDest, pinManager string) *Recipe {
	if manifestSource == "" {
		manifestSource = DefaultManifestSource
	}
	if manifestDest == "" {
		manifestDest = DefaultManifestDest
	}

	upgrade := "pip install --upgrade pip"
	if pinManager != "" {
		upgrade = "pip install pip==" + pinManager
	}

	return &Recipe{
		Base: base,
		Steps: []StepSpec{
			{Name: "upgrade package manager", Run: upgrade},
			{Name: "copy manifest", Copy: &CopySpec{Source: manifestSource, Dest: manifestDest}},
			{Name: "install dependencies", Run: "pip install -r " + manifestDest + " --no-cache-dir"},
		},
	}
}

// ManifestSource returns the build-context source of the recipe's first copy
// step, or empty when the recipe copies nothing. This is the manifest the
// install step will read, whatever the file is named.
func (r *Recipe) ManifestSource() string {
	for _, spec := range r.Steps {
		if spec.Copy != nil {
			return spec.Copy.Source
		}
	}
	return ""
}

// BuildSteps converts recipe step specs into executable build steps. Run
// commands go through the shell, matching how recipe authors write them.
func (r *Recipe) BuildSteps() ([]types.Step, error) {
	steps := make([]types.Step, 0, len(r.Steps))

	for i, spec := range r.Steps {
		step, err := spec.buildStep()
		if err != nil {
			return nil, errors.Wrap(errors.CategoryRecipe, fmt.Sprintf("step %d", i+1), err)
		}
		steps = append(steps, step)
	}

	return steps, nil
}

func (s *StepSpec) buildStep() (types.Step, error) {
	hasRun := s.Run != ""
	hasCopy := s.Copy != nil

	switch {
	case hasRun && hasCopy:
		return types.Step{}, fmt.Errorf("step declares both run and copy")
	case hasRun:
		return types.Step{
			Kind:        types.StepKindRun,
			Name:        s.Name,
			Command:     []string{"/bin/sh", "-c", s.Run},
			Environment: s.Env,
			WorkDir:     s.WorkDir,
		}, nil
	case hasCopy:
		if s.Copy.Source == "" || s.Copy.Dest == "" {
			return types.Step{}, fmt.Errorf("copy step requires source and dest")
		}
		return types.Step{
			Kind:        types.StepKindCopy,
			Name:        s.Name,
			Source:      s.Copy.Source,
			Dest:        s.Copy.Dest,
			Environment: s.Env,
		}, nil
	default:
		return types.Step{}, fmt.Errorf("step declares neither run nor copy")
	}
}

// Validate checks the recipe against a build context: the base must be named,
// every copy source must stay inside the context, and run commands must not
// be blank.
func (r *Recipe) Validate(contextDir string) error {
	if r.Base == "" {
		return errors.New(errors.CategoryRecipe, "recipe has no base image")
	}

	for i, spec := range r.Steps {
		label := fmt.Sprintf("step %d", i+1)
		if spec.Name != "" {
			label = fmt.Sprintf("step %d (%s)", i+1, spec.Name)
		}

		if spec.Copy != nil {
			if filepath.IsAbs(spec.Copy.Source) {
				return errors.New(errors.CategoryRecipe,
					fmt.Sprintf("%s: copy source must be relative to the build context", label))
			}
			resolved := filepath.Join(contextDir, spec.Copy.Source)
			cleanContext := filepath.Clean(contextDir)
			if resolved != cleanContext && !strings.HasPrefix(resolved, cleanContext+string(os.PathSeparator)) {
				return errors.New(errors.CategoryRecipe,
					fmt.Sprintf("%s: copy source escapes the build context", label))
			}
		}

		if spec.Run != "" && strings.TrimSpace(spec.Run) == "" {
			return errors.New(errors.CategoryRecipe, fmt.Sprintf("%s: blank run command", label))
		}
	}

	return nil
}
