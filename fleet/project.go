package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/absmach/fedsim/featurecloud"
	"github.com/absmach/fedsim/pkg/archive"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/remote"
)

// BindProject attaches to projectID when it is set and otherwise creates a
// project on the coordinator and joins every participant to it.
func (f *Fleet) BindProject(ctx context.Context, projectID string) (string, error) {
	if err := f.expect(PhaseProvisioned); err != nil {
		return "", err
	}

	var err error
	if projectID != "" {
		f.logger.Info("attaching to existing project", slog.String("project_id", projectID))
	} else {
		projectID, err = f.CreateAndJoin(ctx)
		if err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	f.projectID = projectID
	f.mu.Unlock()

	return projectID, f.transition(PhaseProjectBound)
}

// CreateAndJoin creates a project bound to the configured tool on the
// coordinator, which mints one token per participant. Participant i joins
// with token i and must report back the same project id.
func (f *Fleet) CreateAndJoin(ctx context.Context) (string, error) {
	if _, err := featurecloud.ToolID(f.cfg.Tool); err != nil {
		return "", err
	}

	coord := f.coordinator
	res, err := f.run(ctx, coord, f.fcauto("create",
		"-u", coord.FCUsername,
		"-t", f.cfg.Tool,
		"-n", strconv.Itoa(len(f.participants)),
		"--env-file", remoteEnvFile,
	))
	f.observe("create", coord, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", pkgerrors.ErrProjectCreation, err)
	}

	created := ParseCreation(res.Stdout)
	if created.ProjectID == "" {
		return "", fmt.Errorf("%w: coordinator reported no project id", pkgerrors.ErrProjectCreation)
	}
	if len(created.Tokens) != len(f.participants) {
		return "", fmt.Errorf("%w: got %d tokens for %d participants", pkgerrors.ErrProjectCreation, len(created.Tokens), len(f.participants))
	}
	f.logger.Info("project created", slog.String("project_id", created.ProjectID), slog.Int("tokens", len(created.Tokens)))

	tokens := make(map[*ClientDescriptor]string, len(f.participants))
	for i, p := range f.participants {
		tokens[p] = created.Tokens[i]
	}

	err = f.forEach(ctx, "join", f.participants, failFast, func(ctx context.Context, c *ClientDescriptor) error {
		res, err := f.run(ctx, c, f.fcauto("join",
			"-t", tokens[c],
			"-u", c.FCUsername,
			"-p", created.ProjectID,
			"--env-file", remoteEnvFile,
		))
		if err != nil {
			return err
		}

		if joined := ParseValue(res.Stdout, prefixProject); joined != created.ProjectID {
			return fmt.Errorf("%w: %s joined project %q instead of %s", pkgerrors.ErrProjectCreation, c.FCUsername, joined, created.ProjectID)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return created.ProjectID, nil
}

// Contribute uploads every client's data. The coordinator goes first since
// only it may move the project into prepare; participants follow.
func (f *Fleet) Contribute(ctx context.Context) error {
	if err := f.transition(PhaseContributing); err != nil {
		return err
	}

	if err := f.forEach(ctx, "contribute", []*ClientDescriptor{f.coordinator}, failFast, f.contribute); err != nil {
		return err
	}

	return f.forEach(ctx, "contribute", f.participants, failFast, f.contribute)
}

func (f *Fleet) contribute(ctx context.Context, c *ClientDescriptor) error {
	args := []string{"-u", c.FCUsername, "-p", f.ProjectID(), "--env-file", remoteEnvFile}
	for _, p := range c.DataPaths {
		args = append(args, "-d", path.Join(remoteDataDir, filepath.Base(p)))
	}

	res, err := f.run(ctx, c, f.fcauto("contribute", args...))
	if err != nil {
		return err
	}
	f.logger.Debug("contribution finalized", slog.String("client", c.Name), slog.String("output", strings.TrimSpace(res.Stdout)))

	return nil
}

// Monitor polls the project status on the coordinator until it leaves
// prepare and running, or the running timeout passes.
func (f *Fleet) Monitor(ctx context.Context) (featurecloud.Status, error) {
	if err := f.transition(PhaseMonitoring); err != nil {
		return "", err
	}

	coord := f.coordinator
	res, err := f.run(ctx, coord, f.fcauto("monitor",
		"-u", coord.FCUsername,
		"-p", f.ProjectID(),
		"--env-file", remoteEnvFile,
		"--timeout", f.cfg.MonitorTimeout.String(),
		"--interval", f.cfg.MonitorInterval.String(),
	))
	f.observe("monitor", coord, err)
	// fcauto monitor exits 124 when the project outlives the timeout.
	var exitErr *pkgerrors.ExitError
	if errors.As(err, &exitErr) && exitErr.Code == pkgerrors.ExitCodeTimeout {
		return "", fmt.Errorf("%w: %w", pkgerrors.ErrTimeout, err)
	}
	if err != nil {
		return "", err
	}

	status := featurecloud.Status(ParseValue(res.Stdout, prefixStatus))
	if status == "" {
		return "", fmt.Errorf("%w: monitor reported no status", pkgerrors.ErrRemote)
	}
	f.logger.Info("project ended", slog.String("project_id", f.ProjectID()), slog.String("status", string(status)))

	return status, nil
}

// FetchResults downloads the latest run's artifacts on every host and
// unpacks them into outDir/<fc_username>. Every host is attempted.
func (f *Fleet) FetchResults(ctx context.Context, outDir string) error {
	return f.forEach(ctx, "results", f.All(), bestEffort, func(ctx context.Context, c *ClientDescriptor) error {
		download := f.fcauto("download",
			"-u", c.FCUsername,
			"-p", f.ProjectID(),
			"--env-file", remoteEnvFile,
			"-o", remoteResultsDir,
		)
		pack := remote.Command("tar", "-czf", remoteResultsArchive, "-C", remoteResultsDir, ".")
		if _, err := f.run(ctx, c, download+" && "+pack); err != nil {
			return err
		}

		conn, err := c.executor()
		if err != nil {
			return err
		}

		tmp, err := os.CreateTemp("", "fedsim-results-*.tar.gz")
		if err != nil {
			return err
		}
		_ = tmp.Close()
		defer os.Remove(tmp.Name())

		if err := conn.Get(ctx, remoteResultsArchive, tmp.Name()); err != nil {
			return err
		}

		dest := filepath.Join(outDir, c.FCUsername)
		files, err := archive.UnpackFile(tmp.Name(), dest)
		if err != nil {
			return err
		}
		f.logger.Info("results fetched", slog.String("client", c.Name), slog.String("dir", dest), slog.Int("files", len(files)))

		_, err = f.run(ctx, c, remote.Command("rm", "-f", remoteResultsArchive))

		return err
	})
}

// Finish settles the run as COMPLETE when the project finished and FAILED
// otherwise.
func (f *Fleet) Finish(status featurecloud.Status) error {
	if status.Succeeded() {
		return f.transition(PhaseComplete)
	}

	return f.transition(PhaseFailed)
}

func (f *Fleet) fcauto(cmd string, args ...string) string {
	return remote.Command(remoteBinary, append([]string{cmd}, args...)...)
}
