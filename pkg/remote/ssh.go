package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 30 * time.Second

var errMissingIdentity = errors.New("missing SSH identity file")

// SSHDialer opens SSH sessions authenticated with a private key file.
type SSHDialer struct {
	knownHosts string
	timeout    time.Duration
}

// NewSSHDialer returns a Dialer. When knownHosts is empty host keys are not
// verified, which matches freshly booted VMs whose keys are unknown.
func NewSSHDialer(knownHosts string, timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	return &SSHDialer{knownHosts: knownHosts, timeout: timeout}
}

func (d *SSHDialer) Dial(ctx context.Context, host Host) (Executor, error) {
	cfg, err := d.clientConfig(host)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", host.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", pkgerrors.ErrTransport, host, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, host.Address(), cfg)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("%w: handshake with %s: %w", pkgerrors.ErrTransport, host, err)
	}

	return &sshExecutor{host: host, client: ssh.NewClient(c, chans, reqs)}, nil
}

func (d *SSHDialer) clientConfig(host Host) (*ssh.ClientConfig, error) {
	if host.IdentityFile == "" {
		return nil, fmt.Errorf("%w: %w for %s", pkgerrors.ErrConfig, errMissingIdentity, host)
	}

	key, err := os.ReadFile(expandHome(host.IdentityFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading identity for %s: %w", pkgerrors.ErrConfig, host, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing identity for %s: %w", pkgerrors.ErrConfig, host, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if d.knownHosts != "" {
		hostKeyCallback, err = knownhosts.New(expandHome(d.knownHosts))
		if err != nil {
			return nil, fmt.Errorf("%w: loading known hosts: %w", pkgerrors.ErrConfig, err)
		}
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.timeout,
	}, nil
}

type sshExecutor struct {
	host   Host
	client *ssh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

func (e *sshExecutor) Run(ctx context.Context, cmd string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	session, err := e.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: new session on %s: %w", pkgerrors.ErrTransport, e.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(cmd)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		return res, &pkgerrors.ExitError{
			Host:    e.host.String(),
			Command: cmd,
			Code:    exitErr.ExitStatus(),
			Stderr:  strings.TrimSpace(res.Stderr),
		}
	default:
		return res, fmt.Errorf("%w: running %q on %s: %w", pkgerrors.ErrTransport, cmd, e.host, err)
	}
}

func (e *sshExecutor) Put(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := e.sftpClient()
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." {
		if err := c.MkdirAll(dir); err != nil {
			return fmt.Errorf("%w: mkdir %s on %s: %w", pkgerrors.ErrTransport, dir, e.host, err)
		}
	}

	dst, err := c.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: create %s on %s: %w", pkgerrors.ErrTransport, remotePath, e.host, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: upload %s to %s: %w", pkgerrors.ErrTransport, localPath, e.host, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: close %s on %s: %w", pkgerrors.ErrTransport, remotePath, e.host, err)
	}

	if info, err := src.Stat(); err == nil {
		if err := c.Chmod(remotePath, info.Mode().Perm()); err != nil {
			return fmt.Errorf("%w: chmod %s on %s: %w", pkgerrors.ErrTransport, remotePath, e.host, err)
		}
	}

	return nil
}

func (e *sshExecutor) Get(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := e.sftpClient()
	if err != nil {
		return err
	}

	src, err := c.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%w: open %s on %s: %w", pkgerrors.ErrTransport, remotePath, e.host, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: download %s from %s: %w", pkgerrors.ErrTransport, remotePath, e.host, err)
	}

	return dst.Close()
}

func (e *sshExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.sftp != nil {
		errs = append(errs, e.sftp.Close())
		e.sftp = nil
	}
	errs = append(errs, e.client.Close())

	return errors.Join(errs...)
}

func (e *sshExecutor) sftpClient() (*sftp.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sftp != nil {
		return e.sftp, nil
	}

	c, err := sftp.NewClient(e.client)
	if err != nil {
		return nil, fmt.Errorf("%w: sftp on %s: %w", pkgerrors.ErrTransport, e.host, err)
	}
	e.sftp = c

	return c, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, p[2:])
}
