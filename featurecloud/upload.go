package featurecloud

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"golang.org/x/time/rate"
)

// UploadConfig holds the waits of the contribution protocol.
type UploadConfig struct {
	// Pace is the minimum gap between consecutive file uploads.
	Pace time.Duration
	// SettleDelay is waited after requesting prepare, before confirming it.
	SettleDelay time.Duration
	// FinalizeDelay is waited after the last file and before finalizing.
	FinalizeDelay time.Duration
}

// DefaultUploadConfig returns the waits expected by the FeatureCloud controller.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		Pace:          2 * time.Second,
		SettleDelay:   2 * time.Second,
		FinalizeDelay: 5 * time.Second,
	}
}

// Uploader contributes a participant's data files to a project through the
// local controller.
type Uploader struct {
	project    *Project
	controller *Controller
	cfg        UploadConfig
}

func NewUploader(p *Project, c *Controller, cfg UploadConfig) *Uploader {
	return &Uploader{project: p, controller: c, cfg: cfg}
}

// Upload runs the contribution protocol for paths and returns the controller
// response for every file name. Ended projects are reset first; only the
// coordinator may move a ready project into prepare. Nothing is rolled back
// on failure, so the whole call is safe to repeat.
func (u *Uploader) Upload(ctx context.Context, paths []string) (map[string]string, error) {
	logger := u.project.session.logger.With(slog.String("project_id", u.project.ID))
	clk := u.project.session.clock

	if err := u.prepare(ctx, logger); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if u.cfg.Pace > 0 {
		limit = rate.Every(u.cfg.Pace)
	}
	limiter := rate.NewLimiter(limit, 1)

	responses := make(map[string]string, len(paths))
	for _, path := range paths {
		if err := limiter.Wait(ctx); err != nil {
			return responses, err
		}

		name := filepath.Base(path)
		text, err := u.uploadFile(ctx, path, name)
		if err != nil {
			return responses, fmt.Errorf("uploading %s to project %s: %w", name, u.project.ID, err)
		}
		responses[name] = text

		logger.Info("uploaded file", slog.String("file", name))
	}

	if err := clk.Sleep(ctx, u.cfg.FinalizeDelay); err != nil {
		return responses, err
	}

	if _, err := u.controller.Finalize(ctx, u.project.ID); err != nil {
		return responses, fmt.Errorf("finalizing project %s: %w", u.project.ID, err)
	}

	logger.Info("finalized contribution", slog.Int("files", len(responses)))

	return responses, nil
}

func (u *Uploader) prepare(ctx context.Context, logger *slog.Logger) error {
	st, err := u.project.Status(ctx)
	if err != nil {
		return err
	}
	logger.Info("project status", slog.String("status", st.String()))

	if st.NeedsReset() {
		if err := u.project.Reset(ctx); err != nil {
			return err
		}
		st = StatusReady
	}

	if st == StatusPrepare {
		return nil
	}

	coordinator, err := u.project.IsCoordinator(ctx)
	if err != nil {
		return err
	}
	if !coordinator {
		return fmt.Errorf("%w: project %s is %s and only its coordinator may start preparation", pkgerrors.ErrPermission, u.project.ID, st)
	}

	logger.Info("setting project to prepare as coordinator")
	if err := u.project.SetStatus(ctx, StatusPrepare); err != nil {
		return err
	}

	if err := u.project.session.clock.Sleep(ctx, u.cfg.SettleDelay); err != nil {
		return err
	}

	st, err = u.project.Status(ctx)
	if err != nil {
		return err
	}
	if st != StatusPrepare {
		return fmt.Errorf("%w: project %s is %s", pkgerrors.ErrPrepareFailed, u.project.ID, st)
	}

	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return u.controller.UploadFile(ctx, u.project.ID, name, f)
}
