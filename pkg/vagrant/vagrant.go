// Package vagrant boots and halts ephemeral fleet VMs through the vagrant CLI.
package vagrant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/absmach/fedsim/pkg/remote"
	"github.com/kevinburke/ssh_config"
)

const binary = "vagrant"

var (
	errNotInstalled   = errors.New("vagrant is not installed")
	errMissingPlugin  = errors.New("vagrant-libvirt plugin is not installed")
	errNodesNotUp     = errors.New("not every VM reached the running state")
	errNoSSHHosts     = errors.New("vagrant ssh-config returned no hosts")
	errInvalidNodeNum = errors.New("number of nodes must be positive")
)

var vagrantfile = template.Must(template.New("Vagrantfile").Parse(`# Generated by fedsim. Edits are overwritten on the next launch.
Vagrant.configure("2") do |config|
  config.vm.box = "{{.Box}}"

  config.vm.provider :{{.Provider}} do |vm|
    vm.memory = {{.Memory}}
    vm.cpus = {{.CPUs}}
  end

  (0...{{.Nodes}}).each do |i|
    config.vm.define "node-#{i}" do |node|
      node.vm.hostname = "node-#{i}"
{{- if .ProvisionScript}}
      node.vm.provision "shell", path: "{{.ProvisionScript}}"
{{- end}}
    end
  end
end
`))

// Runner executes a local program in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

// ExecRunner returns a Runner backed by os/exec.
func ExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}

	return out, nil
}

type Config struct {
	Nodes           int
	Box             string
	Provider        string
	ProvisionScript string
	Dir             string
	Memory          int
	CPUs            int
}

// Manager owns the Vagrantfile in Config.Dir and the VMs it defines.
type Manager struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func New(cfg Config, runner Runner, logger *slog.Logger) *Manager {
	if runner == nil {
		runner = ExecRunner()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}

	return &Manager{cfg: cfg, runner: runner, logger: logger}
}

// Provision checks the toolchain, boots the VMs and returns their SSH hosts.
func (m *Manager) Provision(ctx context.Context) ([]remote.Host, error) {
	if err := m.Check(ctx); err != nil {
		return nil, err
	}

	if err := m.Launch(ctx); err != nil {
		return nil, err
	}

	return m.SSHHosts(ctx)
}

// Teardown halts the VMs.
func (m *Manager) Teardown(ctx context.Context) error {
	return m.Halt(ctx)
}

// Check verifies that vagrant and, for libvirt, its provider plugin exist.
func (m *Manager) Check(ctx context.Context) error {
	out, err := m.run(ctx, "--version")
	if err != nil || !strings.Contains(string(out), "Vagrant") {
		return errors.Join(errNotInstalled, err)
	}

	if m.cfg.Provider != "libvirt" {
		return nil
	}

	out, err = m.run(ctx, "plugin", "list")
	if err != nil {
		return err
	}
	if !strings.Contains(string(out), "vagrant-libvirt") {
		return errMissingPlugin
	}

	return nil
}

// WriteVagrantfile renders the Vagrantfile for the configured node count.
func (m *Manager) WriteVagrantfile() (string, error) {
	if m.cfg.Nodes <= 0 {
		return "", errInvalidNodeNum
	}

	var buf bytes.Buffer
	if err := vagrantfile.Execute(&buf, m.cfg); err != nil {
		return "", err
	}

	path := filepath.Join(m.cfg.Dir, "Vagrantfile")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}

// Running returns the number of VMs in the running state.
func (m *Manager) Running(ctx context.Context) (int, error) {
	out, err := m.run(ctx, "status", "--machine-readable")
	if err != nil {
		return 0, err
	}

	running := 0
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) >= 4 && fields[2] == "state" && fields[3] == "running" {
			running++
		}
	}

	return running, nil
}

// IsUp reports whether all configured VMs are running.
func (m *Manager) IsUp(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(m.cfg.Dir, "Vagrantfile")); err != nil {
		return false, nil
	}

	n, err := m.Running(ctx)
	if err != nil {
		return false, err
	}

	return n == m.cfg.Nodes, nil
}

// Launch boots the VMs unless they are all running already.
func (m *Manager) Launch(ctx context.Context) error {
	up, err := m.IsUp(ctx)
	if err != nil {
		return err
	}
	if up {
		m.logger.Info("VMs already running", slog.Int("nodes", m.cfg.Nodes))

		return nil
	}

	if _, err := m.WriteVagrantfile(); err != nil {
		return err
	}

	m.logger.Info("launching VMs", slog.Int("nodes", m.cfg.Nodes), slog.String("box", m.cfg.Box))
	if _, err := m.run(ctx, "up"); err != nil {
		return fmt.Errorf("failed to launch VMs: %w", err)
	}

	n, err := m.Running(ctx)
	if err != nil {
		return err
	}
	if n != m.cfg.Nodes {
		return fmt.Errorf("%w: %d of %d", errNodesNotUp, n, m.cfg.Nodes)
	}

	m.logger.Info("VMs running", slog.Int("nodes", n))

	return nil
}

// Halt stops the VMs if any are running.
func (m *Manager) Halt(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(m.cfg.Dir, "Vagrantfile")); err != nil {
		m.logger.Info("no Vagrantfile, nothing to halt")

		return nil
	}

	n, err := m.Running(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		m.logger.Info("VMs not running")

		return nil
	}

	if _, err := m.run(ctx, "halt"); err != nil {
		return fmt.Errorf("failed to halt VMs: %w", err)
	}
	m.logger.Info("VMs halted", slog.Int("nodes", n))

	return nil
}

// SSHHosts returns one host per VM, in definition order.
func (m *Manager) SSHHosts(ctx context.Context) ([]remote.Host, error) {
	out, err := m.run(ctx, "ssh-config")
	if err != nil {
		return nil, err
	}

	return ParseSSHConfig(out)
}

// ParseSSHConfig converts ssh_config text into hosts, skipping wildcard entries.
func ParseSSHConfig(data []byte) ([]remote.Host, error) {
	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh-config: %w", err)
	}

	var hosts []remote.Host
	for _, h := range cfg.Hosts {
		if len(h.Patterns) == 0 {
			continue
		}

		alias := h.Patterns[0].String()
		if alias == "" || strings.ContainsAny(alias, "*?") {
			continue
		}

		host := remote.Host{Name: alias}
		host.Hostname, _ = cfg.Get(alias, "HostName")
		host.User, _ = cfg.Get(alias, "User")
		host.IdentityFile, _ = cfg.Get(alias, "IdentityFile")
		host.IdentityFile = strings.Trim(host.IdentityFile, `"`)

		if port, _ := cfg.Get(alias, "Port"); port != "" {
			if host.Port, err = strconv.Atoi(port); err != nil {
				return nil, fmt.Errorf("invalid port %q for %s: %w", port, alias, err)
			}
		}

		hosts = append(hosts, host)
	}

	if len(hosts) == 0 {
		return nil, errNoSSHHosts
	}

	return hosts, nil
}

func (m *Manager) run(ctx context.Context, args ...string) ([]byte, error) {
	m.logger.Debug("running vagrant", slog.String("args", strings.Join(args, " ")))

	return m.runner.Run(ctx, m.cfg.Dir, binary, args...)
}
