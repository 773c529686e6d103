package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/absmach/fedsim/pkg/archive"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/remote"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Layout of a provisioned host, relative to the login directory.
const (
	remoteBinary          = "bin/fcauto"
	remoteEnvFile         = ".env"
	remoteVenv            = ".venv"
	remoteDataDir         = "data"
	remoteResultsDir      = "results"
	remoteDataArchive     = "destination_remote.tar.gz"
	remoteResultsArchive  = "results.tar.gz"
	remoteProvisionScript = "provision.sh"

	// Keys fcauto reads from its env file besides the account secret.
	EnvAPIURL        = "FCAUTO_API_URL"
	EnvControllerURL = "FCAUTO_CONTROLLER_URL"
)

var errControllerNotRunning = errors.New("controller did not report running")

// Ping checks that every client answers. Unreachable hosts are logged and
// reported without stopping the others.
func (f *Fleet) Ping(ctx context.Context, clients ...*ClientDescriptor) error {
	if len(clients) == 0 {
		clients = f.All()
	}

	return f.forEach(ctx, "ping", clients, bestEffort, func(ctx context.Context, c *ClientDescriptor) error {
		res, err := f.run(ctx, c, `echo "Ping from $(hostname)"`)
		if err != nil {
			return err
		}
		f.logger.Info(strings.TrimSpace(res.Stdout), slog.String("client", c.Name))

		return nil
	})
}

// Provision prepares every host for the project and moves the fleet to
// PROVISIONED. creds maps FeatureCloud usernames to their secrets.
func (f *Fleet) Provision(ctx context.Context, creds map[string]string) error {
	if err := f.expect(PhaseConnected); err != nil {
		return err
	}

	steps := []func(context.Context) error{
		f.RunProvisionScript,
		f.InstallPackage,
		func(ctx context.Context) error { return f.DistributeCredentials(ctx, creds) },
		f.DistributeData,
		f.StartControllers,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}

	return f.transition(PhaseProvisioned)
}

// RunProvisionScript uploads and runs the configured provisioning script.
func (f *Fleet) RunProvisionScript(ctx context.Context) error {
	if f.cfg.ProvisionScript == "" {
		return nil
	}

	return f.forEach(ctx, "provision", f.All(), failFast, func(ctx context.Context, c *ClientDescriptor) error {
		conn, err := c.executor()
		if err != nil {
			return err
		}
		if err := conn.Put(ctx, f.cfg.ProvisionScript, remoteProvisionScript); err != nil {
			return err
		}
		_, err = f.run(ctx, c, remote.Command("bash", remoteProvisionScript))

		return err
	})
}

// InstallPackage installs fcauto and the controller virtualenv. Hosts that
// already have both are skipped unless Reinstall is set.
func (f *Fleet) InstallPackage(ctx context.Context) error {
	return f.forEach(ctx, "install", f.All(), failFast, func(ctx context.Context, c *ClientDescriptor) error {
		if !f.cfg.Reinstall {
			check := remote.Command("test", "-x", remoteBinary)
			if !f.cfg.NoDeps {
				check += " && " + remote.Command("test", "-x", remoteVenv+"/bin/featurecloud")
			}
			if _, err := f.run(ctx, c, check); err == nil {
				f.logger.Info("package already installed", slog.String("client", c.Name))

				return nil
			}
		}

		conn, err := c.executor()
		if err != nil {
			return err
		}
		if err := conn.Put(ctx, f.cfg.FcautoBinary, remoteBinary); err != nil {
			return err
		}
		if _, err := f.run(ctx, c, remote.Command("chmod", "755", remoteBinary)); err != nil {
			return err
		}

		if f.cfg.NoDeps {
			return nil
		}

		pip := []string{"install", "--upgrade"}
		if f.cfg.Reinstall {
			pip = append(pip, "--force-reinstall")
		}
		pip = append(pip, f.cfg.ControllerPackage)

		cmd := remote.Command("python3", "-m", "venv", remoteVenv) + " && " + remote.InVenv(remoteVenv, remote.Command("pip", pip...))
		_, err = f.run(ctx, c, cmd)

		return err
	})
}

// DistributeCredentials writes each client's own secret, plus the service
// endpoints, to the env file fcauto reads on that host.
func (f *Fleet) DistributeCredentials(ctx context.Context, creds map[string]string) error {
	return f.forEach(ctx, "credentials", f.All(), failFast, func(ctx context.Context, c *ClientDescriptor) error {
		secret, ok := creds[c.FCUsername]
		if !ok {
			return fmt.Errorf("no credentials for %s", c.FCUsername)
		}

		vals := map[string]string{c.FCUsername: secret}
		if f.cfg.APIURL != "" {
			vals[EnvAPIURL] = f.cfg.APIURL
		}
		if f.cfg.ControllerURL != "" {
			vals[EnvControllerURL] = f.cfg.ControllerURL
		}

		content, err := formatEnv(vals)
		if err != nil {
			return err
		}

		return f.putContent(ctx, c, content, remoteEnvFile, "600")
	})
}

// DistributeData packs each client's data paths, transfers the archive and
// unpacks it into the remote data directory.
func (f *Fleet) DistributeData(ctx context.Context) error {
	return f.forEach(ctx, "data", f.All(), failFast, func(ctx context.Context, c *ClientDescriptor) error {
		if len(c.DataPaths) == 0 {
			return nil
		}

		tmp, err := os.CreateTemp("", "fedsim-data-*.tar.gz")
		if err != nil {
			return err
		}
		_ = tmp.Close()
		defer os.Remove(tmp.Name())

		size, err := archive.PackFile(tmp.Name(), c.DataPaths)
		if err != nil {
			return err
		}

		conn, err := c.executor()
		if err != nil {
			return err
		}
		if err := conn.Put(ctx, tmp.Name(), remoteDataArchive); err != nil {
			return err
		}

		cmd := strings.Join([]string{
			remote.Command("mkdir", "-p", remoteDataDir),
			remote.Command("tar", "-xzf", remoteDataArchive, "-C", remoteDataDir),
			remote.Command("rm", "-f", remoteDataArchive),
		}, " && ")
		if _, err := f.run(ctx, c, cmd); err != nil {
			return err
		}

		f.logger.Info("data distributed",
			slog.String("client", c.Name),
			slog.Int("paths", len(c.DataPaths)),
			slog.String("size", humanize.Bytes(uint64(size))))

		return nil
	})
}

// StartControllers restarts the controller daemon on every host and checks
// that it reports itself running.
func (f *Fleet) StartControllers(ctx context.Context) error {
	return f.forEach(ctx, "controller_start", f.All(), failFast, func(ctx context.Context, c *ClientDescriptor) error {
		// A controller left over from an earlier run is stopped first.
		_, _ = f.run(ctx, c, controllerCommand("stop"))

		if _, err := f.run(ctx, c, controllerCommand("start")); err != nil {
			return err
		}

		res, err := f.run(ctx, c, controllerCommand("status"))
		if err != nil {
			return err
		}
		out := strings.ToLower(res.Stdout)
		if !strings.Contains(out, "running") || strings.Contains(out, "not running") {
			return fmt.Errorf("%w: %s", errControllerNotRunning, strings.TrimSpace(res.Stdout))
		}

		return nil
	})
}

// StopControllers stops the controller daemon on clients, or on every host
// when none are given. Failures do not stop the remaining hosts.
func (f *Fleet) StopControllers(ctx context.Context, clients ...*ClientDescriptor) error {
	if len(clients) == 0 {
		clients = f.All()
	}

	return f.forEach(ctx, "controller_stop", clients, bestEffort, func(ctx context.Context, c *ClientDescriptor) error {
		_, err := f.run(ctx, c, controllerCommand("stop"))

		return err
	})
}

func (f *Fleet) putContent(ctx context.Context, c *ClientDescriptor, content, remotePath, mode string) error {
	conn, err := c.executor()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "fedsim-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()

		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := conn.Put(ctx, tmp.Name(), remotePath); err != nil {
		return err
	}

	_, err = f.run(ctx, c, remote.Command("chmod", mode, remotePath))

	return err
}

var envEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	`"`, `\"`,
	"!", `\!`,
	"$", `\$`,
	"`", "\\`",
)

// formatEnv renders vals as an env file with every value double quoted, so
// secrets like 0123 keep their exact text. Values that would not read back
// unchanged are rejected.
func formatEnv(vals map[string]string) (string, error) {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(vals)) {
		fmt.Fprintf(&b, "%s=\"%s\"\n", k, envEscaper.Replace(vals[k]))
	}

	parsed, err := godotenv.Unmarshal(b.String())
	if err != nil {
		return "", fmt.Errorf("%w: env file: %w", pkgerrors.ErrConfig, err)
	}
	for k, v := range vals {
		if parsed[k] != v {
			return "", fmt.Errorf("%w: value of %s cannot be written to an env file", pkgerrors.ErrConfig, k)
		}
	}

	return b.String(), nil
}

func controllerCommand(action string) string {
	return remote.InVenv(remoteVenv, remote.Command("featurecloud", "controller", action))
}
