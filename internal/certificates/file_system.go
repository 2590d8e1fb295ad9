package certificates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const temporaryFilePermissions fs.FileMode = 0o600

// FileSystem abstracts the file operations performed on certificate material.
type FileSystem interface {
	EnsureDirectory(path string, permissions fs.FileMode) error
	FileExists(path string) (bool, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, permissions fs.FileMode) error
	Remove(path string) error
	ListFiles(directory string, pattern string) ([]string, error)
	ListDirectories(directory string) ([]string, error)
	CreateTemporaryFile(pattern string, data []byte) (string, error)
}

// AferoFileSystem implements FileSystem on top of an afero file system.
type AferoFileSystem struct {
	backingFileSystem  afero.Fs
	temporaryDirectory string
}

// NewOperatingSystemFileSystem returns a FileSystem backed by the host file system.
func NewOperatingSystemFileSystem() AferoFileSystem {
	return NewAferoFileSystem(afero.NewOsFs(), os.TempDir())
}

// NewMemoryFileSystem returns an isolated in-memory FileSystem.
func NewMemoryFileSystem() AferoFileSystem {
	return NewAferoFileSystem(afero.NewMemMapFs(), filepath.Join(string(filepath.Separator), "tmp"))
}

// NewAferoFileSystem wraps an arbitrary afero file system.
func NewAferoFileSystem(backingFileSystem afero.Fs, temporaryDirectory string) AferoFileSystem {
	return AferoFileSystem{backingFileSystem: backingFileSystem, temporaryDirectory: temporaryDirectory}
}

// EnsureDirectory creates the directory and any missing parents.
func (fileSystem AferoFileSystem) EnsureDirectory(path string, permissions fs.FileMode) error {
	return fileSystem.backingFileSystem.MkdirAll(path, permissions)
}

// FileExists reports whether a regular file exists at path.
func (fileSystem AferoFileSystem) FileExists(path string) (bool, error) {
	info, statErr := fileSystem.backingFileSystem.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return false, nil
		}
		return false, statErr
	}
	return !info.IsDir(), nil
}

// ReadFile returns the file contents.
func (fileSystem AferoFileSystem) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(fileSystem.backingFileSystem, path)
}

// WriteFile writes data with the given permissions, creating parent directories.
func (fileSystem AferoFileSystem) WriteFile(path string, data []byte, permissions fs.FileMode) error {
	if directoryErr := fileSystem.backingFileSystem.MkdirAll(filepath.Dir(path), 0o700); directoryErr != nil {
		return directoryErr
	}
	return afero.WriteFile(fileSystem.backingFileSystem, path, data, permissions)
}

// Remove deletes the file. A missing file is not an error.
func (fileSystem AferoFileSystem) Remove(path string) error {
	removeErr := fileSystem.backingFileSystem.Remove(path)
	if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return removeErr
	}
	return nil
}

// ListFiles returns the sorted paths in directory whose base name matches pattern.
// A missing directory yields an empty list.
func (fileSystem AferoFileSystem) ListFiles(directory string, pattern string) ([]string, error) {
	entries, readErr := afero.ReadDir(fileSystem.backingFileSystem, directory)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, readErr
	}
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched, matchErr := filepath.Match(pattern, entry.Name())
		if matchErr != nil {
			return nil, fmt.Errorf("match %s: %w", pattern, matchErr)
		}
		if matched {
			matches = append(matches, filepath.Join(directory, entry.Name()))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// ListDirectories returns the sorted paths of the immediate subdirectories of directory.
func (fileSystem AferoFileSystem) ListDirectories(directory string) ([]string, error) {
	entries, readErr := afero.ReadDir(fileSystem.backingFileSystem, directory)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, readErr
	}
	var directories []string
	for _, entry := range entries {
		if entry.IsDir() {
			directories = append(directories, filepath.Join(directory, entry.Name()))
		}
	}
	sort.Strings(directories)
	return directories, nil
}

// CreateTemporaryFile writes data to a new owner-only file and returns its path.
func (fileSystem AferoFileSystem) CreateTemporaryFile(pattern string, data []byte) (string, error) {
	if directoryErr := fileSystem.backingFileSystem.MkdirAll(fileSystem.temporaryDirectory, 0o700); directoryErr != nil {
		return "", fmt.Errorf("ensure temporary directory: %w", directoryErr)
	}
	temporaryFile, createErr := afero.TempFile(fileSystem.backingFileSystem, fileSystem.temporaryDirectory, pattern)
	if createErr != nil {
		return "", fmt.Errorf("create temporary file: %w", createErr)
	}
	path := temporaryFile.Name()
	_, writeErr := temporaryFile.Write(data)
	closeErr := temporaryFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr == nil {
		writeErr = fileSystem.backingFileSystem.Chmod(path, temporaryFilePermissions)
	}
	if writeErr != nil {
		_ = fileSystem.backingFileSystem.Remove(path)
		return "", fmt.Errorf("write temporary file: %w", writeErr)
	}
	return path, nil
}

// WithTemporaryFile materializes data in a temporary file for the duration of operation.
// The file is removed on every exit path; a failed removal is logged, never returned.
func WithTemporaryFile(fileSystem FileSystem, loggingService *logging.Service, pattern string, data []byte, operation func(path string) error) error {
	path, createErr := fileSystem.CreateTemporaryFile(pattern, data)
	if createErr != nil {
		return createErr
	}
	defer func() {
		if removeErr := fileSystem.Remove(path); removeErr != nil && loggingService != nil {
			loggingService.Warn("failed to remove temporary certificate file", removeErr, logging.String("path", path))
		}
	}()
	return operation(path)
}
