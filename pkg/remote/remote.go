// Package remote executes commands and transfers files on fleet hosts.
package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
)

const DefaultSSHPort = 22

// Host identifies one remote machine and the identity used to reach it.
type Host struct {
	Name         string
	User         string
	Hostname     string
	Port         int
	IdentityFile string
}

// String returns the connection string user@host:port.
func (h Host) String() string {
	return fmt.Sprintf("%s@%s:%d", h.User, h.Hostname, h.port())
}

func (h Host) Address() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.port()))
}

func (h Host) port() int {
	if h.Port == 0 {
		return DefaultSSHPort
	}

	return h.Port
}

// Result holds the captured output of a remote command.
type Result struct {
	Stdout string
	Stderr string
}

// Executor runs commands and moves files on a single connected host.
type Executor interface {
	// Run executes cmd through the remote shell. A non-zero exit status is
	// returned as *errors.ExitError together with the captured output.
	Run(ctx context.Context, cmd string) (Result, error)
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// Dialer opens an Executor for a Host.
type Dialer interface {
	Dial(ctx context.Context, host Host) (Executor, error)
}

// Command joins a program and its arguments into a shell-safe command line.
func Command(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, shellescape.Quote(a))
	}

	return strings.Join(parts, " ")
}

// InVenv prefixes cmd with activation of the virtual environment at venv.
func InVenv(venv, cmd string) string {
	return ". " + shellescape.Quote(venv+"/bin/activate") + " && " + cmd
}
