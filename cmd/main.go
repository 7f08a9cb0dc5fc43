package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/slipway-build/slipway/engine"
	_ "github.com/slipway-build/slipway/executors"
	_ "github.com/slipway-build/slipway/exporters"
	"github.com/slipway-build/slipway/internal/errors"
	"github.com/slipway-build/slipway/internal/types"
	"github.com/slipway-build/slipway/manifest"
	"github.com/slipway-build/slipway/recipe"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "slipway",
		Short: "Slipway - a layer-composing image builder",
		Long: `Slipway composes a derived container image from a base image and a
dependency manifest. Each build step produces an immutable content-addressed
layer; unchanged steps are served from the layer cache.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newComposeCommand())
	cmd.AddCommand(newCacheCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("slipway %s (commit: %s, built: %s)\n", Version, GitCommit, BuildDate)
		},
	})

	return cmd
}

func newComposeCommand() *cobra.Command {
	var (
		recipePath   string
		base         string
		manifestPath string
		destPath     string
		tags         []string
		output       string
		outputPath   string
		cacheDir     string
		noCache      bool
		progress     bool
		platform     string
		pinManager   string
		push         bool
	)

	cmd := &cobra.Command{
		Use:   "compose [context]",
		Short: "Compose an image from a base and a dependency manifest",
		Long: `Compose a derived image by executing build steps in order against the
base image. Without a recipe file the default three-step sequence is used:
upgrade the package manager, copy the manifest, install its dependencies.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextDir := "."
			if len(args) > 0 {
				contextDir = args[0]
			}
			contextDir, err := filepath.Abs(contextDir)
			if err != nil {
				return fmt.Errorf("failed to resolve context: %v", err)
			}

			r, err := loadRecipe(contextDir, recipePath, base, manifestPath, destPath, pinManager)
			if err != nil {
				return err
			}

			if err := r.Validate(contextDir); err != nil {
				return err
			}

			warnUnpinned(contextDir, r)

			steps, err := r.BuildSteps()
			if err != nil {
				return err
			}

			config := &types.ComposeConfig{
				Context:    contextDir,
				Recipe:     recipePath,
				Base:       r.Base,
				Manifest:   manifestPath,
				Dest:       destPath,
				Tags:       tags,
				Output:     output,
				OutputPath: outputPath,
				CacheDir:   cacheDir,
				NoCache:    noCache,
				Progress:   progress,
				Push:       push,
				PinManager: pinManager,
				Platform:   types.ParsePlatform(platform),
			}

			composer, err := engine.NewComposer(config)
			if err != nil {
				return fmt.Errorf("failed to initialize composer: %v", err)
			}
			defer composer.Cleanup()

			result, err := composer.Compose(steps)
			if err != nil {
				var ce *errors.ComposeError
				if stderrors.As(err, &ce) {
					fmt.Fprintln(os.Stderr, ce.Diagnostics())
					return fmt.Errorf("composition failed")
				}
				return err
			}

			fmt.Printf("Image: %s\n", result.ImageID)
			if result.OutputPath != "" {
				fmt.Printf("Output: %s\n", result.OutputPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&recipePath, "recipe", "r", "", "path to a recipe file (default: synthesized recipe)")
	cmd.Flags().StringVarP(&base, "base", "b", "", "base image reference, local rootfs directory, or 'scratch'")
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", recipe.DefaultManifestSource, "dependency manifest in the build context")
	cmd.Flags().StringVar(&destPath, "dest", recipe.DefaultManifestDest, "in-image destination path for the manifest")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "image tags")
	cmd.Flags().StringVarP(&output, "output", "o", "tar", "output format (tar, image, oci)")
	cmd.Flags().StringVar(&outputPath, "output-path", "", "output artifact path")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "layer cache directory (default ~/.slipway/cache)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable layer caching")
	cmd.Flags().BoolVar(&progress, "progress", true, "show build progress")
	cmd.Flags().StringVar(&platform, "platform", "", "target platform (e.g. linux/amd64)")
	cmd.Flags().StringVar(&pinManager, "pin-manager", "", "pin the package manager to an exact version instead of upgrading to latest")
	cmd.Flags().BoolVar(&push, "push", false, "push the image after export (image output only)")

	return cmd
}

// loadRecipe resolves the recipe to execute: an explicit recipe file, a
// slipway.yaml in the build context, or the synthesized default sequence.
func loadRecipe(contextDir, recipePath, base, manifestPath, destPath, pinManager string) (*recipe.Recipe, error) {
	if recipePath == "" {
		if candidate := filepath.Join(contextDir, "slipway.yaml"); fileExists(candidate) {
			recipePath = candidate
		}
	}

	if recipePath != "" {
		r, err := recipe.Load(recipePath)
		if err != nil {
			return nil, err
		}
		if base != "" {
			r.Base = base
		}
		return r, nil
	}

	if base == "" {
		return nil, errors.New(errors.CategoryRecipe, "no recipe file found and no --base given")
	}

	return recipe.Default(base, manifestPath, destPath, pinManager), nil
}

// warnUnpinned surfaces manifest entries whose versions float, since those
// make rebuilds depend on the current state of the remote package index. The
// manifest is whatever file the resolved recipe's copy step pulls from the
// build context, not necessarily the --manifest flag value.
func warnUnpinned(contextDir string, r *recipe.Recipe) {
	source := r.ManifestSource()
	if source == "" {
		return
	}

	path := filepath.Join(contextDir, source)
	if !fileExists(path) {
		return
	}

	m, err := manifest.Load(path)
	if err != nil {
		logrus.WithError(err).Warn("failed to parse manifest")
		return
	}

	if err := m.Validate(); err != nil {
		logrus.WithError(err).Warn("manifest validation")
	}

	for _, entry := range m.UnpinnedEntries() {
		logrus.WithFields(logrus.Fields{
			"dependency": entry.Name,
			"line":       entry.Line,
		}).Warn("unpinned dependency; rebuilds may not be reproducible")
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func newCacheCommand() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the layer cache",
	}

	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "layer cache directory (default ~/.slipway/cache)")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(cacheDir)
			if err != nil {
				return err
			}
			info, err := cache.Info()
			if err != nil {
				return err
			}
			fmt.Printf("Cache size: %d bytes in %d files\n", info.TotalSize, info.TotalFiles)
			return nil
		},
	}

	var maxAge time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cache entries older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(cacheDir)
			if err != nil {
				return err
			}
			removed, err := cache.Prune(maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d cache entries\n", removed)
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "remove entries not accessed within this duration")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(cacheDir)
			if err != nil {
				return err
			}
			return cache.Clear()
		},
	}

	cmd.AddCommand(infoCmd, pruneCmd, clearCmd)
	return cmd
}

func openCache(cacheDir string) (*engine.Cache, error) {
	if cacheDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %v", err)
		}
		cacheDir = filepath.Join(homeDir, ".slipway", "cache")
	}
	return engine.NewCache(cacheDir), nil
}
