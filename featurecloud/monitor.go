package featurecloud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/metrics"
)

const (
	DefaultMonitorInterval = 5 * time.Second
	DefaultMonitorTimeout  = 600 * time.Second
)

// Monitor polls the project until it leaves running and returns the final
// status. Time spent in prepare is not bounded; the timeout covers the time
// since running was first observed. Status query errors end the loop.
func (p *Project) Monitor(ctx context.Context, interval, timeout time.Duration) (Status, error) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if timeout <= 0 {
		timeout = DefaultMonitorTimeout
	}

	clk := p.session.clock
	logger := p.session.logger.With(slog.String("project_id", p.ID))

	var runningSince time.Time
	for {
		st, err := p.Status(ctx)
		if err != nil {
			return "", err
		}
		metrics.StatusPolls.WithLabelValues(st.String()).Inc()
		logger.Debug("project status", slog.String("status", st.String()))

		switch st {
		case StatusPrepare:
		case StatusRunning:
			now := clk.Now()
			if runningSince.IsZero() {
				runningSince = now
			}
			if elapsed := now.Sub(runningSince); elapsed > timeout {
				return st, fmt.Errorf("%w: project %s still running after %s", pkgerrors.ErrTimeout, p.ID, elapsed)
			}
		default:
			logger.Info("project ended", slog.String("status", st.String()))

			return st, nil
		}

		if err := clk.Sleep(ctx, interval); err != nil {
			return st, err
		}
	}
}
