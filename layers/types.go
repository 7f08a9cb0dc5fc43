package layers

import (
	"fmt"
	"os"
	"time"
)

type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "A"
	ChangeTypeModify ChangeType = "M"
	ChangeTypeDelete ChangeType = "D"
)

// FileChange is a single filesystem difference between two snapshots.
// AbsPath points at the live file in the new snapshot; it is read when the
// change is written into a layer tarball.
type FileChange struct {
	Path     string      `json:"path"`
	Type     ChangeType  `json:"type"`
	Mode     os.FileMode `json:"mode"`
	Size     int64       `json:"size"`
	UID      int         `json:"uid"`
	GID      int         `json:"gid"`
	Linkname string      `json:"linkname,omitempty"`
	AbsPath  string      `json:"-"`
}

// FileInfo is the per-file record captured by a snapshot scan.
type FileInfo struct {
	Path     string
	Mode     os.FileMode
	Size     int64
	ModTime  time.Time
	UID      int
	GID      int
	Linkname string
}

// Epoch is the fixed modification time stamped on every layer tarball entry
// so that identical change sets produce byte-identical layers.
var Epoch = time.Unix(0, 0).UTC()

type LayerError struct {
	Operation string
	Path      string
	Cause     error
}

func (e *LayerError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("layer %s failed for %s: %v", e.Operation, e.Path, e.Cause)
	}
	return fmt.Sprintf("layer %s failed: %v", e.Operation, e.Cause)
}

func (e *LayerError) Unwrap() error {
	return e.Cause
}

func newLayerError(operation, path string, cause error) *LayerError {
	return &LayerError{Operation: operation, Path: path, Cause: cause}
}
