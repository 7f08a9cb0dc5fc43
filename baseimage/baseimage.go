// Package baseimage materializes the base environment snapshot a composition
// starts from. The base is treated as opaque: it is extracted as-is and
// identified by a deterministic digest, with no validation of its contents.
package baseimage

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/slipway-build/slipway/internal/errors"
	"github.com/slipway-build/slipway/internal/types"
	"github.com/slipway-build/slipway/layers"
)

const (
	// Scratch names the empty base image.
	Scratch = "scratch"
	// DirPrefix marks a base reference that points at a local rootfs directory.
	DirPrefix = "dir://"
)

// Resolve materializes the named base into rootfs and returns its identity
// digest, the parent of the first composed layer.
//
// Three forms are accepted: "scratch" (empty rootfs), "dir://path" (local
// directory, identified by content digest), and anything else as a registry
// reference pulled and flattened via go-containerregistry.
func Resolve(base string, rootfs string, platform types.Platform) (digest.Digest, error) {
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return "", errors.Wrap(errors.CategoryBaseImage, "failed to create rootfs", err)
	}

	switch {
	case base == "" || base == Scratch:
		return digest.FromString(Scratch), nil

	case strings.HasPrefix(base, DirPrefix):
		return resolveDir(strings.TrimPrefix(base, DirPrefix), rootfs)

	default:
		// A bare path that exists locally is treated as a rootfs directory.
		if info, err := os.Stat(base); err == nil && info.IsDir() {
			return resolveDir(base, rootfs)
		}
		return resolveRegistry(base, rootfs, platform)
	}
}

func resolveDir(dir, rootfs string) (digest.Digest, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", errors.NewMissingInput(fmt.Sprintf("base directory %s unavailable", dir), err)
	}

	id, err := layers.DigestPath(dir)
	if err != nil {
		return "", errors.Wrap(errors.CategoryBaseImage, "failed to digest base directory", err)
	}

	if err := layers.CopyTree(dir, rootfs); err != nil {
		return "", errors.Wrap(errors.CategoryBaseImage, "failed to copy base directory", err)
	}

	logrus.WithFields(logrus.Fields{
		"base": dir,
		"id":   id.String(),
	}).Debug("resolved directory base")

	return id, nil
}

func resolveRegistry(base, rootfs string, platform types.Platform) (digest.Digest, error) {
	ref, err := name.ParseReference(base)
	if err != nil {
		return "", errors.NewMissingInput(fmt.Sprintf("invalid base image reference %s", base), err)
	}

	img, err := remote.Image(ref,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(v1.Platform{
			OS:           platform.OS,
			Architecture: platform.Architecture,
			Variant:      platform.Variant,
		}),
	)
	if err != nil {
		return "", errors.NewMissingInput(fmt.Sprintf("base image %s unavailable", base), err)
	}

	imgDigest, err := img.Digest()
	if err != nil {
		return "", errors.Wrap(errors.CategoryBaseImage, "failed to resolve base image digest", err)
	}

	logrus.WithFields(logrus.Fields{
		"base":     base,
		"digest":   imgDigest.String(),
		"platform": platform.String(),
	}).Info("pulling base image")

	flattened := mutate.Extract(img)
	defer flattened.Close()

	if err := untar(flattened, rootfs); err != nil {
		return "", errors.Wrap(errors.CategoryBaseImage, "failed to extract base image", err)
	}

	return digest.Digest(imgDigest.String()), nil
}

func untar(r io.ReadCloser, rootfs string) error {
	tmp, err := os.CreateTemp("", "slipway-base-*.tar")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return layers.Extract(tmp.Name(), rootfs)
}
