package layers

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// WriteTar writes a change set as a gzip-compressed tarball at path and
// returns the compressed blob's digest and size. Entries are written in path
// order with modification times fixed at Epoch, so the same change set always
// produces the same bytes. Deletions become OCI-style whiteout entries.
func WriteTar(changes []FileChange, path string) (digest.Digest, int64, error) {
	sorted := make([]FileChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, newLayerError("write", path, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return "", 0, newLayerError("write", path, err)
	}
	defer file.Close()

	digester := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(file, digester.Hash())}

	gzipWriter := gzip.NewWriter(counter)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, c := range sorted {
		if err := writeChange(tarWriter, c); err != nil {
			tarWriter.Close()
			gzipWriter.Close()
			return "", 0, newLayerError("write", c.Path, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return "", 0, newLayerError("write", path, err)
	}
	if err := gzipWriter.Close(); err != nil {
		return "", 0, newLayerError("write", path, err)
	}

	return digester.Digest(), counter.n, nil
}

func writeChange(tw *tar.Writer, c FileChange) error {
	name := strings.TrimPrefix(c.Path, "/")

	if c.Type == ChangeTypeDelete {
		whiteout := filepath.ToSlash(filepath.Join(filepath.Dir(name), ".wh."+filepath.Base(name)))
		return tw.WriteHeader(&tar.Header{
			Name:     whiteout,
			Mode:     0644,
			ModTime:  Epoch,
			Typeflag: tar.TypeReg,
		})
	}

	header := &tar.Header{
		Name:    name,
		Mode:    int64(c.Mode & 0777),
		ModTime: Epoch,
		Uid:     c.UID,
		Gid:     c.GID,
	}

	switch {
	case c.Mode.IsDir():
		header.Typeflag = tar.TypeDir
		header.Name += "/"
	case c.Mode&os.ModeSymlink != 0:
		header.Typeflag = tar.TypeSymlink
		header.Linkname = c.Linkname
	case c.Mode.IsRegular():
		header.Typeflag = tar.TypeReg
		header.Size = c.Size
	default:
		return fmt.Errorf("unsupported file mode %v", c.Mode)
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if header.Typeflag == tar.TypeReg && header.Size > 0 {
		file, err := os.Open(c.AbsPath)
		if err != nil {
			return err
		}
		defer file.Close()

		written, err := io.Copy(tw, file)
		if err != nil {
			return err
		}
		if written != header.Size {
			return fmt.Errorf("size mismatch for %s: expected %d bytes, wrote %d", c.Path, header.Size, written)
		}
	}

	return nil
}

// Extract applies a layer tarball onto a snapshot root. Whiteout entries
// remove the named file from the root; everything else is unpacked in place.
// Gzip compression is detected from the stream.
func Extract(tarPath, root string) error {
	file, err := os.Open(tarPath)
	if err != nil {
		return newLayerError("extract", tarPath, err)
	}
	defer file.Close()

	var reader io.Reader = file
	if gzipReader, err := gzip.NewReader(file); err == nil {
		defer gzipReader.Close()
		reader = gzipReader
	} else {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return newLayerError("extract", tarPath, err)
		}
	}

	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return newLayerError("extract", tarPath, err)
		}

		if err := applyEntry(tarReader, header, root); err != nil {
			return newLayerError("extract", header.Name, err)
		}
	}

	return nil
}

func applyEntry(tr *tar.Reader, header *tar.Header, root string) error {
	name := filepath.FromSlash(strings.TrimSuffix(header.Name, "/"))
	prefix := filepath.Clean(root) + string(os.PathSeparator)

	if base := filepath.Base(name); strings.HasPrefix(base, ".wh.") {
		target := filepath.Join(root, filepath.Dir(name), strings.TrimPrefix(base, ".wh."))
		if !strings.HasPrefix(target, prefix) {
			return fmt.Errorf("entry escapes extraction root: %s", header.Name)
		}
		return os.RemoveAll(target)
	}

	target := filepath.Join(root, name)
	if !strings.HasPrefix(target, prefix) {
		return fmt.Errorf("entry escapes extraction root: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(header.Mode)&0777)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(header.Linkname, target)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return err
		}
		return file.Close()

	default:
		// Hardlinks and device nodes do not occur in layers this tool writes.
		return nil
	}
}

// DigestPath computes a canonical content digest over a file, or over a
// directory tree by hashing relative paths and file contents in walk order.
func DigestPath(path string) (digest.Digest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if !info.IsDir() {
		file, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer file.Close()
		return digest.Canonical.FromReader(file)
	}

	digester := digest.Canonical.Digester()
	hash := digester.Hash()

	err = filepath.Walk(path, func(file string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		relPath, err := filepath.Rel(path, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if _, err := hash.Write([]byte(filepath.ToSlash(relPath))); err != nil {
			return err
		}

		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(hash, f)
		return err
	})
	if err != nil {
		return "", err
	}

	return digester.Digest(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
