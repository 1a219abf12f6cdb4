package filesync

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/file"
)

func (s *Syncer) upload(src, dst string, checksumDiff bool) error {
	client, err := s.conn.SFTP()
	if err != nil {
		return err
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		remote := path.Join(dst, filepath.ToSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := client.MkdirAll(remote); err != nil {
				return errors.Wrapf(err, "failed to create remote directory %s", remote)
			}
			return client.Chmod(remote, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = client.Remove(remote)
			return client.Symlink(link, remote)
		default:
			return s.uploadFile(client, p, remote, info, checksumDiff)
		}
	})
}

func (s *Syncer) uploadFile(client *sftp.Client, local, remote string, info fs.FileInfo, checksumDiff bool) error {
	if unchanged(client, local, remote, info, checksumDiff) {
		s.log.Debugf("%s is up to date", remote)
		return nil
	}

	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.Wrapf(err, "failed to create remote file %s", remote)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to upload %s", local)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := client.Chmod(remote, info.Mode().Perm()); err != nil {
		return err
	}
	// keeps the size and mtime comparison meaningful for the next push
	return client.Chtimes(remote, info.ModTime(), info.ModTime())
}

// unchanged reports whether remote already holds the content of local. Any
// error means the file has to be transferred.
func unchanged(client *sftp.Client, local, remote string, info fs.FileInfo, checksumDiff bool) bool {
	rinfo, err := client.Stat(remote)
	if err != nil || !rinfo.Mode().IsRegular() || rinfo.Size() != info.Size() {
		return false
	}
	if !checksumDiff {
		return rinfo.ModTime().Unix() == info.ModTime().Unix()
	}

	localSum, err := file.LocalMd5Sum(local)
	if err != nil {
		return false
	}
	r, err := client.Open(remote)
	if err != nil {
		return false
	}
	defer r.Close()
	remoteSum, err := file.MD5(r)
	return err == nil && remoteSum == localSum
}

func (s *Syncer) download(src, dst string) error {
	client, err := s.conn.SFTP()
	if err != nil {
		return err
	}

	walker := client.Walk(src)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		remote := walker.Path()
		rel := strings.TrimPrefix(strings.TrimPrefix(remote, src), "/")
		local := filepath.Join(dst, filepath.FromSlash(rel))
		info := walker.Stat()

		switch {
		case info.IsDir():
			if err := os.MkdirAll(local, info.Mode().Perm()|0700); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := client.ReadLink(remote)
			if err != nil {
				return err
			}
			_ = os.Remove(local)
			if err := os.Symlink(link, local); err != nil {
				return err
			}
		default:
			if err := downloadFile(client, remote, local, info); err != nil {
				return err
			}
		}
	}
	return nil
}

func downloadFile(client *sftp.Client, remote, local string, info fs.FileInfo) error {
	in, err := client.Open(remote)
	if err != nil {
		return errors.Wrapf(err, "failed to open remote file %s", remote)
	}
	defer in.Close()

	if err := file.CreateFileDir(local); err != nil {
		return err
	}
	out, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|common.FileMode0600)
	if err != nil {
		return err
	}
	if _, err := in.WriteTo(out); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to download %s", remote)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(local, info.ModTime(), info.ModTime())
}
