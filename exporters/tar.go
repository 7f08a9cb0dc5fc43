package exporters

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/slipway-build/slipway/internal/types"
)

// TarExporter writes the flattened rootfs as a single tarball.
type TarExporter struct{}

func init() {
	RegisterExporter("tar", &TarExporter{})
}

func (e *TarExporter) Export(result *types.ComposeResult, config *types.ComposeConfig, workDir string) error {
	rootfs := filepath.Join(workDir, "rootfs")

	outputPath := config.OutputPath
	if outputPath == "" {
		name := "image"
		if len(config.Tags) > 0 {
			name = sanitizeTag(config.Tags[0])
		}
		outputPath = filepath.Join(config.Context, name+".tar")
	}

	tarFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create tar file: %v", err)
	}
	defer tarFile.Close()

	tarWriter := tar.NewWriter(tarFile)
	defer tarWriter.Close()

	if err := addDirectoryToTar(tarWriter, rootfs); err != nil {
		return fmt.Errorf("failed to add rootfs to tar: %v", err)
	}

	result.OutputPath = outputPath
	return nil
}

func addDirectoryToTar(tarWriter *tar.Writer, srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			header.Name += "/"
			return tarWriter.WriteHeader(header)
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tarWriter, file)
		return err
	})
}

func sanitizeTag(tag string) string {
	out := make([]rune, 0, len(tag))
	for _, r := range tag {
		switch r {
		case '/', ':':
			out = append(out, '-')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
