package fsstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ThumbDir holds thumbnail derivatives inside a project folder.
	ThumbDir = ".thumb"
	// PreviewDir holds preview derivatives inside a project folder.
	PreviewDir = ".preview"
)

var (
	// ErrDestinationExists is returned by MoveFile when the destination
	// exists and overwrite was not requested.
	ErrDestinationExists = errors.New("destination already exists")

	// ErrOutsideRoot is returned when a path escapes the projects root.
	ErrOutsideRoot = errors.New("path outside projects root")
)

// Store manages project folders under a single projects root.
// Layout: {root}/{tenant_id}/{project_folder}/ with .thumb/ and
// .preview/ subdirectories for derivatives.
type Store struct {
	root string
}

// New creates a store rooted at the given projects directory.
func New(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the projects root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the absolute path of a project folder.
func (s *Store) ProjectDir(tenantID, folder string) string {
	return filepath.Join(s.root, tenantID, folder)
}

// OriginalPath returns the path of an original photo file.
func (s *Store) OriginalPath(tenantID, folder, filename string) string {
	return filepath.Join(s.root, tenantID, folder, filename)
}

// DerivativePath returns the path of a derivative for a photo. The
// derivative carries the photo's basename with a .jpg extension.
func (s *Store) DerivativePath(tenantID, folder, derivativeDir, filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".jpg"
	return filepath.Join(s.root, tenantID, folder, derivativeDir, base)
}

// EnsureProjectDirs creates the project folder and its derivative
// subdirectories. Idempotent.
func (s *Store) EnsureProjectDirs(tenantID, folder string) error {
	dir := s.ProjectDir(tenantID, folder)
	for _, d := range []string{dir, filepath.Join(dir, ThumbDir), filepath.Join(dir, PreviewDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create project dir %s: %w", d, err)
		}
	}
	return nil
}

// PathExists reports whether a path exists on disk.
func (s *Store) PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

// MoveFile moves a file, creating the destination's parent directory.
// Without overwrite an existing destination fails with
// ErrDestinationExists. Falls back to copy-and-delete when rename
// crosses filesystems.
func (s *Store) MoveFile(from, to string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(to); err == nil {
			return fmt.Errorf("%w: %s", ErrDestinationExists, to)
		}
	}
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", to, err)
	}
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	if err := copyFile(from, to); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", from, to, err)
	}
	if err := os.Remove(from); err != nil {
		return fmt.Errorf("failed to remove source %s after copy: %w", from, err)
	}
	return nil
}

// RemoveTree removes a directory tree. The path must live under the
// projects root; anything else fails with ErrOutsideRoot.
func (s *Store) RemoveTree(path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("failed to remove %s: %w", clean, err)
	}
	return nil
}

// RemoveFile deletes a single file, ignoring a missing one.
func (s *Store) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// ListFiles returns the regular file names directly inside a project
// folder, skipping dot-directories and subdirectories.
func (s *Store) ListFiles(tenantID, folder string) ([]string, error) {
	entries, err := os.ReadDir(s.ProjectDir(tenantID, folder))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read project dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
