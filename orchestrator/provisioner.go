package orchestrator

import (
	"context"
	"log/slog"

	"github.com/absmach/fedsim"
	"github.com/absmach/fedsim/pkg/remote"
	"github.com/absmach/fedsim/pkg/vagrant"
)

// Provisioner brings up the hosts a run needs and releases them afterwards.
type Provisioner interface {
	Provision(ctx context.Context) ([]remote.Host, error)
	Teardown(ctx context.Context) error
}

// NewProvisioner returns a Vagrant provisioner when cfg.General.Sim is set
// and the statically configured hosts otherwise.
func NewProvisioner(cfg fedsim.Config, logger *slog.Logger) Provisioner {
	if !cfg.General.Sim {
		return staticProvisioner{hosts: cfg.Hosts()}
	}

	return vagrant.New(vagrant.Config{
		Nodes:           len(cfg.Clients),
		Box:             cfg.Vagrant.Box,
		Provider:        cfg.Vagrant.Provider,
		ProvisionScript: cfg.Vagrant.ProvisionScript,
		Dir:             cfg.Vagrant.Dir,
		Memory:          cfg.Vagrant.Memory,
		CPUs:            cfg.Vagrant.CPUs,
	}, vagrant.ExecRunner(), logger)
}

type staticProvisioner struct {
	hosts []remote.Host
}

func (p staticProvisioner) Provision(context.Context) ([]remote.Host, error) {
	return p.hosts, nil
}

func (staticProvisioner) Teardown(context.Context) error {
	return nil
}
