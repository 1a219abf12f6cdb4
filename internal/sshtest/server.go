// Package sshtest runs a throwaway SSH server on the loopback interface.
// Commands are executed locally with /bin/sh. A PTY is emulated: stderr is
// merged into stdout and a Ctrl-C byte on stdin is echoed as "^C" and
// delivered as SIGINT to the command's process group.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/mensylisir/xmexec/common"
)

const Password = "xmexec-test"

type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig

	wg sync.WaitGroup
	mu sync.Mutex
	// Commands records every exec request in arrival order.
	commands []string
}

// Start launches a server accepting Password for any user. It is shut down
// when the test ends.
func Start(t *testing.T) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) != Password {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{listener: l, config: cfg}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// User is the name the tests log in with: the local user, so that root
// detection behaves the same on both ends.
func User() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return common.RootUser
}

func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type session struct {
	ch  ssh.Channel
	env []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (ss *session) signal(sig syscall.Signal) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cmd == nil || ss.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-ss.cmd.Process.Pid, sig)
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	ss := &session{ch: ch}
	for req := range requests {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)
		case "env":
			var kv struct{ Name, Value string }
			if ssh.Unmarshal(req.Payload, &kv) == nil {
				ss.env = append(ss.env, kv.Name+"="+kv.Value)
			}
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			_ = req.Reply(true, nil)
			go ss.run(payload.Command)
		case "subsystem":
			var payload struct{ Name string }
			if ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go serveSFTP(ch)
		case "signal":
			var payload struct{ Signal string }
			if ssh.Unmarshal(req.Payload, &payload) == nil {
				if sig := unix.SignalNum("SIG" + payload.Signal); sig != 0 {
					ss.signal(sig)
				}
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
	ss.signal(syscall.SIGKILL)
}

func (ss *session) run(command string) {
	defer ss.ch.Close()

	cmd := exec.Command(common.ShellPath, "-c", command)
	cmd.Env = append(os.Environ(), ss.env...)
	cmd.Stdout = ss.ch
	cmd.Stderr = ss.ch
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	ss.mu.Lock()
	err := cmd.Start()
	if err == nil {
		ss.cmd = cmd
	}
	ss.mu.Unlock()
	if err != nil {
		sendExitStatus(ss.ch, 127)
		return
	}

	go ss.readStdin()

	_ = cmd.Wait()
	ws, _ := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if ws.Signaled() {
		name := unix.SignalName(ws.Signal())
		if len(name) > 3 {
			name = name[3:]
		}
		_, _ = ss.ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{Signal: name}))
		return
	}
	sendExitStatus(ss.ch, uint32(ws.ExitStatus()))
}

func (ss *session) readStdin() {
	buf := make([]byte, 256)
	for {
		n, err := ss.ch.Read(buf)
		for _, b := range buf[:n] {
			if b == 0x03 {
				_, _ = ss.ch.Write([]byte("^C"))
				ss.signal(syscall.SIGINT)
			}
		}
		if err != nil {
			return
		}
	}
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func serveSFTP(ch ssh.Channel) {
	defer ch.Close()
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	_ = server.Serve()
	sendExitStatus(ch, 0)
}
