package exporters

import (
	"fmt"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slipway-build/slipway/internal/types"
)

// OCIExporter writes the composed image as an OCI image layout directory.
type OCIExporter struct{}

func init() {
	RegisterExporter("oci", &OCIExporter{})
}

func (e *OCIExporter) Export(result *types.ComposeResult, config *types.ComposeConfig, workDir string) error {
	img, err := assembleImage(result, config)
	if err != nil {
		return err
	}

	outputPath := config.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(config.Context, "oci-layout")
	}

	path, err := layout.Write(outputPath, empty.Index)
	if err != nil {
		return fmt.Errorf("failed to initialize OCI layout: %v", err)
	}

	annotations := map[string]string{
		ocispec.AnnotationRevision: result.ImageID.String(),
	}
	if len(config.Tags) > 0 {
		annotations[ocispec.AnnotationRefName] = config.Tags[0]
	}

	if err := path.AppendImage(img, layout.WithAnnotations(annotations)); err != nil {
		return fmt.Errorf("failed to append image to OCI layout: %v", err)
	}

	result.OutputPath = outputPath
	return nil
}
