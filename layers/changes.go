package layers

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Scan recursively walks a snapshot root and returns a map of file records
// keyed by slash-separated path relative to the root. A non-existent root
// yields an empty map.
func Scan(root string) (map[string]*FileInfo, error) {
	files := make(map[string]*FileInfo)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return files, nil
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		relPath = "/" + filepath.ToSlash(relPath)

		record := &FileInfo{
			Path:    relPath,
			Mode:    info.Mode(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			record.UID = int(stat.Uid)
			record.GID = int(stat.Gid)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			record.Linkname = link
		}

		files[relPath] = record
		return nil
	})
	if err != nil {
		return nil, newLayerError("scan", root, err)
	}

	return files, nil
}

// Diff compares two snapshot scans and returns the changes that turn the old
// snapshot into the new one, sorted by path. newRoot anchors the AbsPath of
// added and modified entries.
func Diff(oldFiles, newFiles map[string]*FileInfo, newRoot string) []FileChange {
	var changes []FileChange

	for path, newInfo := range newFiles {
		oldInfo, existed := oldFiles[path]
		if !existed {
			changes = append(changes, change(ChangeTypeAdd, newInfo, newRoot))
			continue
		}
		if fileChanged(oldInfo, newInfo) {
			changes = append(changes, change(ChangeTypeModify, newInfo, newRoot))
		}
	}

	for path, oldInfo := range oldFiles {
		if _, exists := newFiles[path]; !exists {
			changes = append(changes, FileChange{
				Path: path,
				Type: ChangeTypeDelete,
				Mode: oldInfo.Mode,
			})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	return changes
}

func change(changeType ChangeType, info *FileInfo, root string) FileChange {
	return FileChange{
		Path:     info.Path,
		Type:     changeType,
		Mode:     info.Mode,
		Size:     info.Size,
		UID:      info.UID,
		GID:      info.GID,
		Linkname: info.Linkname,
		AbsPath:  filepath.Join(root, strings.TrimPrefix(info.Path, "/")),
	}
}

func fileChanged(oldInfo, newInfo *FileInfo) bool {
	if oldInfo.Mode != newInfo.Mode {
		return true
	}
	if oldInfo.Linkname != newInfo.Linkname {
		return true
	}
	if oldInfo.Mode.IsRegular() {
		if oldInfo.Size != newInfo.Size {
			return true
		}
		if !oldInfo.ModTime.Equal(newInfo.ModTime) {
			return true
		}
	}
	return false
}
