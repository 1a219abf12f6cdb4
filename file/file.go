package file

import (
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/common"
)

// PathExists checks if a path exists.
// Errors other than "not exist" are returned to the caller.
func PathExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CreateDir creates a directory and all its parents if they don't exist.
func CreateDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("path %s exists but is not a directory", path)
	}
	if os.IsNotExist(err) {
		return os.MkdirAll(path, common.FileMode0755)
	}
	return errors.Wrapf(err, "failed to check directory %s", path)
}

// IsDir checks if the given path is a directory.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CreateFileDir creates the parent directory of filePath.
func CreateFileDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "." || dir == "" {
		return nil
	}
	return CreateDir(dir)
}

// WriteFile writes content to a file, creating parent directories if necessary.
func WriteFile(filePath string, content []byte) error {
	if err := CreateFileDir(filePath); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %s", filePath)
	}
	if err := os.WriteFile(filePath, content, common.FileMode0644); err != nil {
		return errors.Wrapf(err, "failed to write file %s", filePath)
	}
	return nil
}

// MD5 hashes everything r yields.
func MD5(r io.Reader) (string, error) {
	hash := md5.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// LocalMd5Sum calculates the MD5 checksum of a local file.
func LocalMd5Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()

	sum, err := MD5(f)
	if err != nil {
		return "", errors.Wrapf(err, "get file md5 for %s failed", path)
	}
	return sum, nil
}

// CopyFile copies a regular file, keeping its permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", src)
	}
	if err := CreateFileDir(dst); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to copy %s to %s", src, dst)
	}
	return out.Close()
}

// CopyPath copies a file, symlink or a whole directory tree to dst.
func CopyPath(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		default:
			return CopyFile(path, target)
		}
	})
}

// MovePath renames src to dst and falls back to copy and remove when they
// are on different filesystems.
func MovePath(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return errors.Wrapf(err, "failed to move %s to %s", src, dst)
	}
	if err := CopyPath(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}
