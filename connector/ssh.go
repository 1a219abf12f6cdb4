package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mensylisir/xmexec/common"
	"github.com/mensylisir/xmexec/logger"
)

type Config struct {
	Username    string
	Password    string
	Address     string
	Port        int
	PrivateKey  string
	KeyFile     string
	AgentSocket string
	Timeout     time.Duration
	Bastion     string
	BastionPort int
	BastionUser string
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
}

const (
	socketEnvPrefix = "env:"
	agentSocketEnv  = "SSH_AUTH_SOCK"
)

var _ Connection = (*connection)(nil)

type connection struct {
	mu         sync.Mutex
	sftpclient *sftp.Client
	sshclient  *ssh.Client
	config     Config

	connCtx    context.Context
	connCancel context.CancelFunc

	agentSocketConn net.Conn
}

func NewConnection(cfg Config) (Connection, error) {
	cfg, err := validateConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to validate ssh connection parameters")
	}

	conn := &connection{config: cfg}
	auth, err := conn.authMethods()
	if err != nil {
		conn.cleanupAgentSocket()
		return nil, err
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		conn.cleanupAgentSocket()
		return nil, err
	}

	client, err := dial(cfg, auth, hostKeys)
	if err != nil {
		conn.cleanupAgentSocket()
		return nil, err
	}

	conn.sshclient = client
	conn.connCtx, conn.connCancel = context.WithCancel(context.Background())
	logger.Log.DebugfHost(cfg.Address, "ssh connection established as %s", cfg.Username)
	return conn, nil
}

// authMethods offers, in order, the password, the private key and the keys
// of the agent. The agent socket stays open for the life of the connection.
func (c *connection) authMethods() ([]ssh.AuthMethod, error) {
	cfg := c.config
	var methods []ssh.AuthMethod
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, errors.Wrap(err, "the given SSH key could not be parsed")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.AgentSocket == "" {
		return methods, nil
	}

	addr := cfg.AgentSocket
	if env, ok := strings.CutPrefix(addr, socketEnvPrefix); ok {
		if v := os.Getenv(env); v != "" {
			addr = v
		} else {
			logger.Log.Warnf("SSH Agent environment variable %s not found, using original socket string %s", env, addr)
		}
	}
	sock, err := net.Dial("unix", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open SSH agent socket %q", addr)
	}
	c.agentSocketConn = sock
	signers, err := agent.NewClient(sock).Signers()
	if err != nil {
		return nil, errors.Wrap(err, "error when creating signer for SSH agent")
	}
	return append(methods, ssh.PublicKeys(signers...)), nil
}

// dial connects to the target, hopping through the bastion when one is
// configured. Both legs use the same credentials and host key check.
func dial(cfg Config, auth []ssh.AuthMethod, hostKeys ssh.HostKeyCallback) (*ssh.Client, error) {
	clientConfig := func(user string) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User:            user,
			Timeout:         cfg.Timeout,
			Auth:            auth,
			HostKeyCallback: hostKeys,
		}
	}
	target := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))

	if cfg.Bastion == "" {
		client, err := ssh.Dial("tcp", target, clientConfig(cfg.Username))
		if err != nil {
			return nil, errors.Wrapf(err, "could not establish connection to %s", target)
		}
		return client, nil
	}

	hop := net.JoinHostPort(cfg.Bastion, strconv.Itoa(cfg.BastionPort))
	bastion, err := ssh.Dial("tcp", hop, clientConfig(cfg.BastionUser))
	if err != nil {
		return nil, errors.Wrapf(err, "could not establish connection to bastion %s", hop)
	}
	tunnel, err := bastion.Dial("tcp", target)
	if err != nil {
		_ = bastion.Close()
		return nil, errors.Wrapf(err, "could not establish connection to target %s via bastion", target)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(tunnel, target, clientConfig(cfg.Username))
	if err != nil {
		_ = tunnel.Close()
		_ = bastion.Close()
		return nil, errors.Wrapf(err, "failed to create new SSH client connection to %s via bastion", target)
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load known hosts from %q", cfg.KnownHostsFile)
	}
	return cb, nil
}

func (c *connection) cleanupAgentSocket() {
	if c.agentSocketConn != nil {
		_ = c.agentSocketConn.Close()
		c.agentSocketConn = nil
	}
}

func validateConfig(cfg Config) (Config, error) {
	if len(cfg.Username) == 0 {
		return cfg, errors.New("no username specified for SSH connection")
	}
	if len(cfg.Address) == 0 {
		return cfg, errors.New("no address specified for SSH connection")
	}
	if len(cfg.Password) == 0 && len(cfg.PrivateKey) == 0 && len(cfg.KeyFile) == 0 && len(cfg.AgentSocket) == 0 {
		if os.Getenv(agentSocketEnv) == "" {
			return cfg, errors.New("must specify at least one of password, private key, keyfile or agent socket")
		}
		cfg.AgentSocket = socketEnvPrefix + agentSocketEnv
	}

	if len(cfg.PrivateKey) == 0 && len(cfg.KeyFile) > 0 {
		content, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read keyfile %q", cfg.KeyFile)
		}
		cfg.PrivateKey = string(content)
	}

	if cfg.Port <= 0 {
		cfg.Port = common.DefaultSSHPort
	}
	if cfg.Bastion != "" {
		if cfg.BastionPort <= 0 {
			cfg.BastionPort = common.DefaultSSHPort
		}
		if cfg.BastionUser == "" {
			cfg.BastionUser = cfg.Username
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.DefaultSSHTimeout
	}
	return cfg, nil
}

func (c *connection) Config() Config {
	return c.config
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshclient == nil && c.sftpclient == nil && c.agentSocketConn == nil {
		return nil
	}

	if c.connCancel != nil {
		c.connCancel()
	}

	var SFTPErr, SSHErr, AgentErr error
	if c.sftpclient != nil {
		SFTPErr = c.sftpclient.Close()
		c.sftpclient = nil
	}
	if c.sshclient != nil {
		SSHErr = c.sshclient.Close()
		c.sshclient = nil
	}
	if c.agentSocketConn != nil {
		AgentErr = c.agentSocketConn.Close()
		c.agentSocketConn = nil
	}

	var combinedErrors []string
	if SFTPErr != nil {
		combinedErrors = append(combinedErrors, fmt.Sprintf("sftp close error: %v", SFTPErr))
	}
	if SSHErr != nil {
		combinedErrors = append(combinedErrors, fmt.Sprintf("ssh close error: %v", SSHErr))
	}
	if AgentErr != nil {
		combinedErrors = append(combinedErrors, fmt.Sprintf("agent socket close error: %v", AgentErr))
	}
	if len(combinedErrors) > 0 {
		return errors.New(strings.Join(combinedErrors, "; "))
	}
	return nil
}

func (c *connection) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshclient == nil {
		return nil, errors.New("ssh connection is closed or not initialized")
	}
	if c.sftpclient == nil {
		client, err := sftp.NewClient(c.sshclient)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create SFTP client")
		}
		c.sftpclient = client
	}
	return c.sftpclient, nil
}

func (c *connection) newSession(ctx context.Context) (*ssh.Session, error) {
	c.mu.Lock()
	client := c.sshclient
	c.mu.Unlock()

	if client == nil {
		return nil, errors.New("ssh connection is closed or not initialized")
	}

	opCtx, opCancel := context.WithCancel(ctx)
	defer opCancel()
	go func() {
		select {
		case <-c.connCtx.Done():
			opCancel()
		case <-opCtx.Done():
		}
	}()

	type result struct {
		sess *ssh.Session
		err  error
	}
	sessionDone := make(chan result, 1)
	go func() {
		s, e := client.NewSession()
		sessionDone <- result{s, e}
	}()

	var sess *ssh.Session
	select {
	case <-opCtx.Done():
		go func() {
			if r := <-sessionDone; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		return nil, errors.Wrap(opCtx.Err(), "failed to create ssh session (context cancelled)")
	case r := <-sessionDone:
		if r.err != nil {
			return nil, errors.Wrap(r.err, "failed to create ssh session")
		}
		sess = r.sess
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if ptyErr := sess.RequestPty("xterm", 100, 50, modes); ptyErr != nil {
		_ = sess.Close()
		return nil, errors.Wrap(ptyErr, "failed to request PTY")
	}
	return sess, nil
}

// Start opens a PTY session and launches cmd on it. The PTY merges the
// command's stderr into its stdout.
func (c *connection) Start(ctx context.Context, cmd string) (*Session, error) {
	sess, err := c.newSession(ctx)
	if err != nil {
		return nil, err
	}

	stdinPipe, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, errors.Wrap(err, "failed to get stdin pipe")
	}
	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, errors.Wrap(err, "failed to get stdout pipe")
	}

	var stdout io.Reader = stdoutPipe
	if c.config.Password != "" {
		stdout = newPromptResponder(stdoutPipe, stdinPipe, c.config.Username, c.config.Password)
	}

	if err := sess.Start(strings.TrimSpace(cmd)); err != nil {
		_ = sess.Close()
		return nil, errors.Wrapf(err, "failed to start command: %s", cmd)
	}
	logger.Log.DebugfCommand(c.config.Address, cmd, "remote session started")

	return &Session{sess: sess, stdin: stdinPipe, stdout: stdout}, nil
}

// Exec runs cmd and waits for it. Cancelling ctx interrupts the command.
func (c *connection) Exec(ctx context.Context, cmd string) ([]byte, int, error) {
	s, err := c.Start(ctx, cmd)
	if err != nil {
		return nil, -1, errors.Wrap(err, "failed to create session for Exec")
	}
	defer s.Close()

	var out []byte
	readDone := make(chan error, 1)
	go func() {
		var readErr error
		out, readErr = io.ReadAll(s.Stdout())
		readDone <- readErr
	}()

	waitDone := make(chan struct{})
	var exitCode int
	var waitErr error
	go func() {
		exitCode, waitErr = s.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		_ = s.Interrupt()
		select {
		case <-time.After(250 * time.Millisecond):
		case <-waitDone:
		}
		_ = s.Close()
		<-readDone
		return out, -1, errors.Wrap(ctx.Err(), "command execution cancelled")
	case <-waitDone:
		if readErr := <-readDone; readErr != nil {
			logger.Log.DebugfCommand(c.config.Address, cmd, "error reading stdout: %v", readErr)
		}
		return out, exitCode, waitErr
	}
}
