package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDriver implements Driver against the local filesystem, rooted at
// baseDir so callers always pass backend-relative paths.
type LocalDriver struct {
	baseDir string
}

// NewLocalDriver roots a Driver at baseDir, creating it if absent.
func NewLocalDriver(baseDir string) (*LocalDriver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	return &LocalDriver{baseDir: baseDir}, nil
}

func (l *LocalDriver) abs(path string) string {
	return filepath.Join(l.baseDir, path)
}

func (l *LocalDriver) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (l *LocalDriver) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(l.abs(path))
	if os.IsNotExist(err) {
		return 0, ErrNotExist
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

func (l *LocalDriver) NewInputStream(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(l.abs(path))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func (l *LocalDriver) NewBufferedReader(_ context.Context, path string) (ReaderAtCloser, error) {
	f, err := os.Open(l.abs(path))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &localFile{File: f, size: info.Size()}, nil
}

type localFile struct {
	*os.File
	size int64
}

func (f *localFile) Size() int64 { return f.size }

func (l *LocalDriver) Store(_ context.Context, localStagingPath, targetPath string) error {
	dst := l.abs(targetPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", targetPath, err)
	}

	if err := os.Rename(localStagingPath, dst); err == nil {
		return nil
	}

	// Rename across filesystems (e.g. staging on a different mount) falls
	// back to copy-then-replace, still publishing via a same-directory
	// temp name so a reader never observes a partial file.
	tmp := dst + ".tmp"
	if err := copyFile(localStagingPath, tmp); err != nil {
		return fmt.Errorf("stage copy to %s: %w", targetPath, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", targetPath, err)
	}
	os.Remove(localStagingPath)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (l *LocalDriver) Move(_ context.Context, src, dst string) error {
	absDst := l.abs(dst)
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dst, err)
	}
	if err := os.Rename(l.abs(src), absDst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return nil
}

func (l *LocalDriver) Delete(_ context.Context, path string) error {
	if err := os.Remove(l.abs(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (l *LocalDriver) Walk(_ context.Context, root string, maxDepth int, fn func(FileInfo) error) error {
	absRoot := l.abs(root)
	return filepath.WalkDir(absRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == absRoot {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return relErr
		}
		if rel != "." && maxDepth >= 0 {
			depth := strings.Count(filepath.ToSlash(rel), "/") + 1
			if depth > maxDepth {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		relToBase, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		return fn(FileInfo{
			Path:         filepath.ToSlash(relToBase),
			Size:         info.Size(),
			LastModified: info.ModTime(),
			IsDir:        d.IsDir(),
		})
	})
}
