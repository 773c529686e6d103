// Package remotetest provides in-memory remote hosts for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/absmach/fedsim/pkg/remote"
)

// Handler answers a command run on h. A nil Handler succeeds silently.
type Handler func(h *Host, cmd string) (remote.Result, error)

// Host is a fake remote.Executor keeping files in memory.
type Host struct {
	Info remote.Host

	mu      sync.Mutex
	handler Handler
	cmds    []string
	files   map[string][]byte
	puts    []string
	closed  bool
}

func NewHost(info remote.Host, handler Handler) *Host {
	return &Host{Info: info, handler: handler, files: map[string][]byte{}}
}

func (h *Host) Run(ctx context.Context, cmd string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}

	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	handler := h.handler
	h.mu.Unlock()

	if handler == nil {
		return remote.Result{}, nil
	}

	return handler(h, cmd)
}

func (h *Host) Put(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.files[remotePath] = data
	h.puts = append(h.puts, remotePath)

	return nil
}

func (h *Host) Get(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	data, ok := h.files[remotePath]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}

	return os.WriteFile(localPath, data, 0o644)
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	return nil
}

// Commands returns every command run so far, in order.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.cmds...)
}

// Puts returns the remote paths written by Put, in order.
func (h *Host) Puts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.puts...)
}

func (h *Host) File(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, ok := h.files[path]

	return data, ok
}

// SetFile places a file on the host, as a remote command would.
func (h *Host) SetFile(path string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.files[path] = data
}

func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// Dialer hands out one Host per remote.Host name.
type Dialer struct {
	handler Handler

	mu       sync.Mutex
	hosts    map[string]*Host
	failures map[string]error
}

func NewDialer(handler Handler) *Dialer {
	return &Dialer{handler: handler, hosts: map[string]*Host{}, failures: map[string]error{}}
}

func (d *Dialer) Dial(ctx context.Context, host remote.Host) (remote.Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures[host.Name]; err != nil {
		return nil, err
	}

	h, ok := d.hosts[host.Name]
	if !ok {
		h = NewHost(host, d.handler)
		d.hosts[host.Name] = h
	}

	return h, nil
}

// Fail makes dialing the named host return err.
func (d *Dialer) Fail(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures[name] = err
}

// Host returns the fake dialed for name, or nil.
func (d *Dialer) Host(name string) *Host {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.hosts[name]
}
