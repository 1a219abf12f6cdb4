package connector

import (
	"context"

	"github.com/pkg/sftp"
)

// Connection is an established SSH connection to one host.
type Connection interface {
	// Exec runs cmd to completion and returns its merged output.
	Exec(ctx context.Context, cmd string) (stdout []byte, exitCode int, err error)
	// Start launches cmd on a new PTY session and returns without waiting.
	Start(ctx context.Context, cmd string) (*Session, error)
	// SFTP returns the connection's sftp client, opening it on first use.
	SFTP() (*sftp.Client, error)
	Config() Config
	Close() error
}
