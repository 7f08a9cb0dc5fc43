// Package engine implements the layer composer: a strictly sequential
// executor that applies an ordered list of build steps to a base snapshot,
// producing one immutable content-addressed layer per step.
package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/slipway-build/slipway/baseimage"
	"github.com/slipway-build/slipway/executors"
	"github.com/slipway-build/slipway/exporters"
	"github.com/slipway-build/slipway/internal/errors"
	"github.com/slipway-build/slipway/internal/types"
	"github.com/slipway-build/slipway/layers"
)

type Composer struct {
	config      *types.ComposeConfig
	cache       *Cache
	executor    executors.Executor
	exporter    exporters.Exporter
	workDir     string
	rootfs      string
	progressOut io.Writer
	log         *logrus.Entry
}

func NewComposer(config *types.ComposeConfig) (*Composer, error) {
	if config.CacheDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %v", err)
		}
		config.CacheDir = filepath.Join(homeDir, ".slipway", "cache")
	}

	if err := os.MkdirAll(config.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %v", err)
	}

	if config.Platform.OS == "" {
		config.Platform = types.GetHostPlatform()
	}
	if config.Output == "" {
		config.Output = "tar"
	}

	workDir := filepath.Join(config.CacheDir, "work", fmt.Sprintf("compose-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %v", err)
	}

	executor, err := executors.GetExecutor("local")
	if err != nil {
		return nil, fmt.Errorf("failed to get executor: %v", err)
	}

	exporter, err := exporters.GetExporter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to get exporter: %v", err)
	}

	return &Composer{
		config:      config,
		cache:       NewCache(config.CacheDir),
		executor:    executor,
		exporter:    exporter,
		workDir:     workDir,
		rootfs:      filepath.Join(workDir, "rootfs"),
		progressOut: os.Stdout,
		log:         logrus.WithField("component", "composer"),
	}, nil
}

func (c *Composer) SetProgressOutput(w io.Writer) {
	c.progressOut = w
}

// Compose executes the steps strictly in order against the base snapshot.
// Step N+1 never begins before step N's layer is fully materialized. On the
// first failure composition aborts: no final image is produced, the error
// carries the failing step index and captured output, and every layer built
// before the failure stays cached for reuse.
func (c *Composer) Compose(steps []types.Step) (*types.ComposeResult, error) {
	start := time.Now()

	result := &types.ComposeResult{
		Success:  false,
		Steps:    len(steps),
		Metadata: make(map[string]string),
	}

	c.progress("Resolving base image %s...\n", c.config.Base)

	baseID, err := baseimage.Resolve(c.config.Base, c.rootfs, c.config.Platform)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Metadata["base"] = c.config.Base
	result.Metadata["base.id"] = baseID.String()

	c.log.WithFields(logrus.Fields{
		"base":  c.config.Base,
		"id":    baseID.String(),
		"steps": len(steps),
	}).Info("composing image")

	snapshot, err := layers.Scan(c.rootfs)
	if err != nil {
		wrapped := errors.Wrap(errors.CategoryFilesystem, "failed to scan base snapshot", err)
		result.Error = wrapped.Error()
		return result, wrapped
	}

	parent := baseID
	cacheHits := 0

	for i := range steps {
		step := &steps[i]
		c.progress("[%d/%d] %s\n", i+1, len(steps), step.Label(i))

		layer, snap, err := c.composeStep(step, i, parent, snapshot)
		if err != nil {
			err = errors.WithStep(err, i)
			result.Error = err.Error()
			c.log.WithFields(logrus.Fields{
				"step":  i + 1,
				"error": err,
			}).Error("step failed, aborting composition")
			return result, err
		}

		if layer.CacheHit() {
			cacheHits++
		}

		result.Layers = append(result.Layers, layer.Layer)
		snapshot = snap
		parent = layer.Layer.ID
	}

	result.CacheHits = cacheHits
	result.ImageID = parent

	c.progress("Exporting image %s...\n", parent)

	if err := c.exporter.Export(result, c.config, c.workDir); err != nil {
		wrapped := errors.Wrap(errors.CategoryExport, "failed to export image", err)
		result.Error = wrapped.Error()
		return result, wrapped
	}

	result.Success = true
	result.Duration = time.Since(start).String()

	c.log.WithFields(logrus.Fields{
		"image":      parent.String(),
		"cache_hits": cacheHits,
		"duration":   result.Duration,
	}).Info("composition complete")

	c.progress("Composed %s in %s (cache hits: %d/%d)\n", parent, result.Duration, cacheHits, len(steps))

	return result, nil
}

// composedLayer pairs a layer with whether it was served from cache.
type composedLayer struct {
	Layer types.Layer
	hit   bool
}

func (l composedLayer) CacheHit() bool { return l.hit }

func (c *Composer) composeStep(step *types.Step, index int, parent digest.Digest, snapshot map[string]*layers.FileInfo) (composedLayer, map[string]*layers.FileInfo, error) {
	content, fingerprint, err := c.stepContent(step)
	if err != nil {
		return composedLayer{}, nil, err
	}

	id := step.Identity(parent, content, c.config.Platform)

	if !c.config.NoCache {
		if entry, hit := c.cache.Get(id); hit {
			c.log.WithFields(logrus.Fields{
				"step":  index + 1,
				"layer": id.String(),
			}).Debug("cache hit")

			if err := layers.Extract(c.cache.BlobPath(id), c.rootfs); err != nil {
				return composedLayer{}, nil, errors.Wrap(errors.CategoryCache, "failed to apply cached layer", err)
			}

			snap, err := layers.Scan(c.rootfs)
			if err != nil {
				return composedLayer{}, nil, errors.Wrap(errors.CategoryFilesystem, "failed to scan snapshot", err)
			}

			return composedLayer{
				Layer: types.Layer{
					ID:        id,
					Parent:    parent,
					StepIndex: index,
					CreatedBy: step.Label(index),
					TarPath:   c.cache.BlobPath(id),
					Size:      entry.Size,
					Created:   entry.Created,
				},
				hit: true,
			}, snap, nil
		}
	}

	stepResult, err := c.executor.Execute(step, c.rootfs, c.config.Context)
	if err != nil {
		return composedLayer{}, nil, err
	}
	if !stepResult.Success {
		return composedLayer{}, nil, errors.New(errors.CategoryPartialBuild, stepResult.Error)
	}

	newSnapshot, err := layers.Scan(c.rootfs)
	if err != nil {
		return composedLayer{}, nil, errors.Wrap(errors.CategoryFilesystem, "failed to scan snapshot", err)
	}

	changes := layers.Diff(snapshot, newSnapshot, c.rootfs)

	blobPath := filepath.Join(c.workDir, "layers", fmt.Sprintf("layer-%d.tar.gz", index))
	_, size, err := layers.WriteTar(changes, blobPath)
	if err != nil {
		return composedLayer{}, nil, errors.Wrap(errors.CategoryFilesystem, "failed to write layer", err)
	}

	layer := types.Layer{
		ID:        id,
		Parent:    parent,
		StepIndex: index,
		CreatedBy: step.Label(index),
		TarPath:   blobPath,
		Size:      size,
		Created:   time.Now(),
	}

	if !c.config.NoCache {
		entry := &CacheEntry{
			ID:          id,
			Parent:      parent,
			StepIndex:   index,
			CreatedBy:   step.Label(index),
			Size:        size,
			Fingerprint: fingerprint,
		}
		if err := c.cache.Set(entry, blobPath); err != nil {
			c.log.WithError(err).Warn("failed to cache layer")
		} else {
			layer.TarPath = c.cache.BlobPath(id)
		}
	}

	c.log.WithFields(logrus.Fields{
		"step":    index + 1,
		"layer":   id.String(),
		"size":    size,
		"changes": len(changes),
	}).Debug("layer materialized")

	return composedLayer{Layer: layer}, newSnapshot, nil
}

// stepContent returns the content digest feeding a copy step's identity,
// plus a fast fingerprint for cache bookkeeping. Run steps have no external
// content input; their identity is the command definition alone.
func (c *Composer) stepContent(step *types.Step) (digest.Digest, uint64, error) {
	if step.Kind != types.StepKindCopy {
		return "", 0, nil
	}

	if filepath.IsAbs(step.Source) {
		return "", 0, errors.NewMissingInput(
			fmt.Sprintf("copy source %s must be relative to the build context", step.Source), nil)
	}

	source := filepath.Join(c.config.Context, step.Source)
	cleanContext := filepath.Clean(c.config.Context)
	if source != cleanContext && !strings.HasPrefix(source, cleanContext+string(os.PathSeparator)) {
		return "", 0, errors.NewMissingInput(
			fmt.Sprintf("copy source %s escapes the build context", step.Source), nil)
	}

	content, err := layers.DigestPath(source)
	if err != nil {
		return "", 0, errors.NewMissingInput(
			fmt.Sprintf("copy source %s not found in build context", step.Source), err)
	}

	fingerprint := xxhash.Sum64String(content.String())
	return content, fingerprint, nil
}

func (c *Composer) progress(format string, args ...interface{}) {
	if c.config.Progress && c.progressOut != nil {
		fmt.Fprintf(c.progressOut, format, args...)
	}
}

func (c *Composer) GetCacheInfo() (*types.CacheInfo, error) {
	return c.cache.Info()
}

func (c *Composer) PruneCache(maxAge time.Duration) (int, error) {
	return c.cache.Prune(maxAge)
}

func (c *Composer) ClearCache() error {
	return c.cache.Clear()
}

func (c *Composer) Cleanup() error {
	if c.workDir != "" {
		return os.RemoveAll(c.workDir)
	}
	return nil
}
