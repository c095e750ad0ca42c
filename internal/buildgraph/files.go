package buildgraph

import (
	"fmt"
	"path/filepath"
)

// FileEntry describes one path in the snapshot. Exactly one of
// regular file, directory or symlink is true per entry.
type FileEntry struct {
	Path string `json:"path"` // relative to the project root

	// ContentHash is the SHA-256 hex digest of the file content.
	// Empty for directories and symlinks.
	ContentHash string `json:"content_hash,omitempty"`

	IsDirectory    bool `json:"is_directory,omitempty"`
	IsExecutable   bool `json:"is_executable,omitempty"`
	IsAbsolutePath bool `json:"is_absolute_path,omitempty"`

	// Children lists a directory's direct child paths.
	Children []string `json:"children,omitempty"`

	// SymlinkTarget is the link target for symlink entries. An entry
	// with a non-empty target is a symlink.
	SymlinkTarget string `json:"symlink_target,omitempty"`
}

// IsSymlink reports whether the entry describes a symlink.
func (e *FileEntry) IsSymlink() bool {
	return e.SymlinkTarget != ""
}

// IsRegularFile reports whether the entry describes a regular file.
func (e *FileEntry) IsRegularFile() bool {
	return !e.IsDirectory && !e.IsSymlink()
}

// Validate enforces the one-of invariant.
func (e *FileEntry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("file entry has an empty path")
	}
	if e.IsDirectory && e.IsSymlink() {
		return fmt.Errorf("entry %s is both a directory and a symlink", e.Path)
	}
	if e.IsDirectory && e.ContentHash != "" {
		return fmt.Errorf("directory entry %s carries a content hash", e.Path)
	}
	return nil
}

// FileSnapshot maps project-root-relative paths to entries for one
// filesystem root. Produced upstream, consumed read-only.
type FileSnapshot struct {
	Entries []FileEntry `json:"entries"`
}

// Index returns the snapshot's entries keyed by cleaned path.
func (s *FileSnapshot) Index() map[string]*FileEntry {
	idx := make(map[string]*FileEntry, len(s.Entries))
	for i := range s.Entries {
		e := &s.Entries[i]
		idx[filepath.Clean(e.Path)] = e
	}
	return idx
}

// Validate checks every entry and rejects duplicate paths.
func (s *FileSnapshot) Validate() error {
	seen := make(map[string]struct{}, len(s.Entries))
	for i := range s.Entries {
		e := &s.Entries[i]
		if err := e.Validate(); err != nil {
			return err
		}
		key := filepath.Clean(e.Path)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate snapshot entry for path %s", e.Path)
		}
		seen[key] = struct{}{}
	}
	return nil
}
