// Package filesync moves files between this machine and the data directory
// of an executor's host. Local executors copy on the filesystem, remote ones
// transfer over sftp.
package filesync

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mensylisir/xmexec/cache"
	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/connector"
	"github.com/mensylisir/xmexec/executable"
	"github.com/mensylisir/xmexec/executor"
	"github.com/mensylisir/xmexec/file"
	"github.com/mensylisir/xmexec/logger"
	"github.com/mensylisir/xmexec/util"
)

type storageKey struct {
	Host string
	User string
}

// storages maps (host, user) to the temporary data directory created for
// it. Entries never expire: a directory is shared by every Syncer of the
// process.
var storages = cache.NewCache[storageKey, string]()

// connected is implemented by executors that run over SSH.
type connected interface {
	Connection() connector.Connection
}

type Syncer struct {
	exec    executor.Executor
	conn    connector.Connection
	dataDir string
	log     *logrus.Entry
}

// New prepares synchronisation with the host of exec. An empty dataDir
// selects the per-host, per-user temporary directory, creating it with
// mktemp on first use.
func New(exec executor.Executor, dataDir string) (*Syncer, error) {
	s := &Syncer{
		exec: exec,
		log:  logger.Log.ForHost(exec.Host()).WithField(common.KindName, "filesync"),
	}
	if c, ok := exec.(connected); ok {
		s.conn = c.Connection()
	}

	if dataDir != "" {
		s.dataDir = path.Clean(dataDir)
		return s, nil
	}

	key := storageKey{Host: exec.Host(), User: s.user()}
	dir, err := storages.GetOrCompute(key, func() (string, error) {
		return s.makeTempDir(key.User)
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not prepare temporary directory")
	}
	s.dataDir = dir
	s.log.Debugf("using directory %s", dir)
	return s, nil
}

// user is the login on the remote side, or the user behind sudo locally.
func (s *Syncer) user() string {
	if s.conn != nil {
		return s.conn.Config().Username
	}
	var current string
	if u, err := user.Current(); err == nil {
		current = u.Username
	}
	return util.FirstNonEmpty(os.Getenv("SUDO_USER"), current, common.RootUser)
}

func (s *Syncer) makeTempDir(owner string) (string, error) {
	stdout, _, err := s.tool(executor.Args("mktemp", "-d")).Run(0)
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(stdout)
	if dir == "" {
		return "", errors.New("mktemp printed no directory")
	}
	// a directory created by root would be unusable for the login user
	if os.Geteuid() == 0 && owner != common.RootUser {
		if _, _, err := s.tool(executor.Args("chown", "--silent", owner, dir)).Run(0); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (s *Syncer) tool(cmd executor.Command) *executable.Tool {
	return executable.NewTool(cmd, executable.WithExecutor(s.exec), executable.WithLogger(s.log))
}

func (s *Syncer) DataDirectory() string {
	return s.dataDir
}

// resolve makes target absolute and checks that it lies inside the data
// directory.
func (s *Syncer) resolve(target string) (string, error) {
	if !path.IsAbs(target) {
		target = path.Join(s.dataDir, target)
	}
	target = path.Clean(target)
	if !strings.HasPrefix(target, s.dataDir+"/") {
		return "", errors.Errorf("path %s is outside the data directory %s", target, s.dataDir)
	}
	return target, nil
}

// CreateFile creates name in the data directory and writes content
// followed by a newline into it. It returns the path of the file.
func (s *Syncer) CreateFile(name, content string) (string, error) {
	target := path.Join(s.dataDir, name)
	if _, _, err := s.tool(executor.Args("touch", target)).Run(0); err != nil {
		return "", errors.Wrapf(err, "could not create file %s", name)
	}
	if content != "" {
		write := executor.Shell("echo " + connector.ShellEscape(content) + " > " + connector.ShellEscape(target))
		if _, _, err := s.tool(write).Run(0); err != nil {
			return "", errors.Wrapf(err, "could not write to file %s", name)
		}
	}
	return target, nil
}

// RemovePath deletes a file or directory inside the data directory.
// Relative paths are relative to the data directory.
func (s *Syncer) RemovePath(target string) error {
	resolved, err := s.resolve(target)
	if err != nil {
		return errors.Wrap(err, "can't remove a path outside the data directory")
	}
	if _, _, err := s.tool(executor.Args("rm", "-rf", resolved)).Run(0); err != nil {
		return errors.Wrapf(err, "could not delete %s", resolved)
	}
	return nil
}

// WipeDataDirectory removes everything inside the data directory.
func (s *Syncer) WipeDataDirectory() error {
	wipe := executor.Shell("rm -rf " + connector.ShellEscape(s.dataDir) + "/*")
	if _, _, err := s.tool(wipe).Run(0); err != nil {
		return errors.Wrap(err, "could not wipe data directory")
	}
	return nil
}

// PushPath copies a local file or directory into the data directory and
// returns where it landed. On a remote host unchanged files are skipped:
// compared by MD5 when checksumDiff is set, by size and mtime otherwise.
func (s *Syncer) PushPath(src string, checksumDiff bool) (string, error) {
	target := path.Join(s.dataDir, filepath.Base(src))
	var err error
	if s.conn == nil {
		err = file.CopyPath(src, target)
	} else {
		err = s.upload(src, target, checksumDiff)
	}
	if err != nil {
		return "", errors.Wrapf(err, "couldn't push %s", src)
	}
	s.log.Debugf("pushed %s to %s", src, target)
	return target, nil
}

// PullPath copies a file or directory from the data directory into the
// local directory dst, creating dst when needed.
func (s *Syncer) PullPath(src, dst string) (string, error) {
	resolved, err := s.resolve(src)
	if err != nil {
		return "", errors.Wrap(err, "can't pull a path outside the data directory")
	}
	if dst == "" {
		dst = "."
	}
	if err := file.CreateDir(dst); err != nil {
		return "", errors.Wrapf(err, "couldn't create local directory %s", dst)
	}

	target := filepath.Join(dst, path.Base(resolved))
	if s.conn == nil {
		err = file.CopyPath(resolved, target)
	} else {
		err = s.download(resolved, target)
	}
	if err != nil {
		return "", errors.Wrapf(err, "couldn't pull %s", resolved)
	}
	s.log.Debugf("pulled %s to %s", resolved, target)
	return target, nil
}
