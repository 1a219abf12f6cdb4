package connector

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/logger"
	"github.com/mensylisir/xmexec/util"
)

// interruptByte is what a terminal sends for Ctrl-C.
const interruptByte = 0x03

// Session is a command running on a remote PTY.
type Session struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	closeOnce sync.Once
	closeErr  error
}

// Stdout returns the merged output stream of the command.
func (s *Session) Stdout() io.Reader {
	return s.stdout
}

// Interrupt sends Ctrl-C to the terminal and an INT signal to the session.
// A session that is already closed is not an error.
func (s *Session) Interrupt() error {
	if _, err := s.stdin.Write([]byte{interruptByte}); err != nil && !isClosedErr(err) {
		return errors.Wrap(err, "failed to write interrupt to pty")
	}
	if err := s.sess.Signal(ssh.SIGINT); err != nil && !isClosedErr(err) {
		return errors.Wrap(err, "failed to send INT signal")
	}
	return nil
}

// Kill sends a KILL signal to the session.
func (s *Session) Kill() error {
	if err := s.sess.Signal(ssh.SIGKILL); err != nil && !isClosedErr(err) {
		return errors.Wrap(err, "failed to send KILL signal")
	}
	return nil
}

// Wait blocks until the remote command exits and returns its exit code.
// A command killed by a signal reports the negated signal number, a session
// that ended without any exit status reports -1.
func (s *Session) Wait() (int, error) {
	return ExitCode(s.sess.Wait())
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if err := s.sess.Close(); err != nil && !isClosedErr(err) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// ExitCode converts the error returned by ssh.Session.Wait into an exit code.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			if num := unix.SignalNum("SIG" + sig); num != 0 {
				return -int(num), nil
			}
			return -1, nil
		}
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

func isClosedErr(err error) bool {
	return util.IsErrPipeClosed(err) || strings.Contains(err.Error(), "use of closed network connection")
}

// promptResponder passes output through unchanged and answers the first
// sudo password prompt it sees.
type promptResponder struct {
	r        io.Reader
	w        io.Writer
	user     string
	password string
	line     []byte
	answered bool
}

func newPromptResponder(r io.Reader, w io.Writer, user, password string) *promptResponder {
	return &promptResponder{r: r, w: w, user: user, password: password}
}

func (p *promptResponder) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && !p.answered {
		p.scan(b[:n])
	}
	return n, err
}

func (p *promptResponder) scan(chunk []byte) {
	sudoPrompt := fmt.Sprintf("[sudo] password for %s:", p.user)
	for _, c := range chunk {
		if c == '\n' {
			p.line = p.line[:0]
			continue
		}
		p.line = append(p.line, c)
		line := string(p.line)
		if (strings.HasPrefix(line, sudoPrompt) || strings.HasPrefix(line, "Password:")) && strings.HasSuffix(line, ": ") {
			logger.Log.Debugf("sudo password prompt detected for %s, sending password", p.user)
			if _, err := p.w.Write([]byte(p.password + "\n")); err != nil {
				logger.Log.Errorf("failed to write sudo password: %v", err)
			}
			p.answered = true
			p.line = nil
			return
		}
	}
}
