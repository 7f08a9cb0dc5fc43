package exporters

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/slipway-build/slipway/internal/types"
)

// ImageExporter assembles the layer chain into a docker-loadable image
// tarball and optionally pushes it to a registry.
type ImageExporter struct{}

func init() {
	RegisterExporter("image", &ImageExporter{})
}

func (e *ImageExporter) Export(result *types.ComposeResult, config *types.ComposeConfig, workDir string) error {
	img, err := assembleImage(result, config)
	if err != nil {
		return err
	}

	tag := "slipway:latest"
	if len(config.Tags) > 0 {
		tag = config.Tags[0]
	}

	ref, err := name.NewTag(tag)
	if err != nil {
		return fmt.Errorf("invalid tag %s: %v", tag, err)
	}

	outputPath := config.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(config.Context, sanitizeTag(tag)+".tar")
	}

	if err := tarball.WriteToFile(outputPath, ref, img); err != nil {
		return fmt.Errorf("failed to write image tarball: %v", err)
	}
	result.OutputPath = outputPath

	if config.Push {
		logrus.WithField("ref", ref.String()).Info("pushing image")
		if err := remote.Write(ref, img, remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
			return fmt.Errorf("failed to push image: %v", err)
		}
	}

	return nil
}

// assembleImage builds a v1.Image from the composed layer chain. The image
// config carries the target platform and a fixed creation time so identical
// compositions serialize identically.
func assembleImage(result *types.ComposeResult, config *types.ComposeConfig) (v1.Image, error) {
	created := v1.Time{Time: time.Unix(0, 0).UTC()}

	configFile := &v1.ConfigFile{
		Architecture: config.Platform.Architecture,
		OS:           config.Platform.OS,
		Variant:      config.Platform.Variant,
		Created:      created,
		Config: v1.Config{
			Labels: map[string]string{
				ocispec.AnnotationCreated: created.UTC().Format(time.RFC3339),
			},
		},
	}
	if result.ImageID != "" {
		configFile.Config.Labels[ocispec.AnnotationRefName] = result.ImageID.String()
	}

	img, err := mutate.ConfigFile(empty.Image, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to set image config: %v", err)
	}

	for _, composed := range result.Layers {
		if composed.Size == 0 {
			continue
		}

		layer, err := tarball.LayerFromFile(composed.TarPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load layer %s: %v", composed.ID, err)
		}

		img, err = mutate.Append(img, mutate.Addendum{
			Layer: layer,
			History: v1.History{
				Created:   created,
				CreatedBy: composed.CreatedBy,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to append layer %s: %v", composed.ID, err)
		}
	}

	return img, nil
}
