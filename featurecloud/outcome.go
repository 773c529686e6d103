package featurecloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var errNoRuns = errors.New("project has no runs")

// LatestRun returns the run with the highest run number.
func LatestRun(runs []Run) (Run, error) {
	if len(runs) == 0 {
		return Run{}, errNoRuns
	}

	latest := runs[0]
	for _, r := range runs[1:] {
		if r.RunNr > latest.RunNr {
			latest = r
		}
	}

	return latest, nil
}

// ArtifactName is the file name an artifact is stored under.
func ArtifactName(projectID string, run, step int, kind ArtifactKind) string {
	return fmt.Sprintf("p%s_r%d_s%d.%s", projectID, run, step, kind)
}

// DownloadOutcome saves the logs of every step, and the results of steps that
// produced any, of the latest run of projectID into outDir.
func (c *Controller) DownloadOutcome(ctx context.Context, projectID, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	runs, err := c.ProjectRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}

	run, err := LatestRun(runs)
	if err != nil {
		return nil, fmt.Errorf("downloading outcome of project %s: %w", projectID, err)
	}

	c.logger.Info("downloading outcome",
		slog.String("project_id", projectID),
		slog.Int("runs", len(runs)),
		slog.Int("run", run.RunNr),
		slog.String("started_on", run.StartedOn),
	)

	var files []string
	fetch := func(kind ArtifactKind, steps []int) error {
		for _, step := range steps {
			data, err := c.DownloadStep(ctx, kind, projectID, run.RunNr, step)
			if err != nil {
				return err
			}

			path := filepath.Join(outDir, ArtifactName(projectID, run.RunNr, step, kind))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			files = append(files, path)
			c.logger.Debug("downloaded artifact", slog.String("path", path))
		}

		return nil
	}

	if err := fetch(ArtifactLog, run.LogSteps); err != nil {
		return files, err
	}
	if err := fetch(ArtifactResult, run.ResultSteps); err != nil {
		return files, err
	}

	return files, nil
}
