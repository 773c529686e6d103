// Package orchestrator runs one benchmark end to end: it provisions hosts,
// drives the fleet through its phases and always tears everything down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fedsim"
	"github.com/absmach/fedsim/featurecloud"
	"github.com/absmach/fedsim/fleet"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/events"
	"github.com/absmach/fedsim/pkg/metrics"
	"github.com/absmach/fedsim/pkg/remote"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fedsim.orchestrator")

type Service interface {
	// Run executes the whole benchmark. Teardown runs whatever the outcome,
	// except when only VMs were requested.
	Run(ctx context.Context) (Report, error)
}

// Report summarizes a finished run.
type Report struct {
	RunID     string              `json:"run_id"`
	ProjectID string              `json:"project_id,omitempty"`
	Status    featurecloud.Status `json:"status,omitempty"`
	Phase     fleet.Phase         `json:"phase,omitempty"`
	OutDir    string              `json:"outdir,omitempty"`
	Hosts     []string            `json:"hosts,omitempty"`
	Duration  string              `json:"duration"`
}

type service struct {
	cfg         fedsim.Config
	provisioner Provisioner
	dialer      remote.Dialer
	emitter     events.Emitter
	logger      *slog.Logger
}

func NewService(cfg fedsim.Config, provisioner Provisioner, dialer remote.Dialer, emitter events.Emitter, logger *slog.Logger) Service {
	if emitter == nil {
		emitter = events.Noop()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &service{
		cfg:         cfg,
		provisioner: provisioner,
		dialer:      dialer,
		emitter:     emitter,
		logger:      logger,
	}
}

func (svc *service) Run(ctx context.Context) (report Report, err error) {
	start := time.Now()
	report.RunID = uuid.NewString()
	report.OutDir = svc.cfg.General.OutDir
	logger := svc.logger.With(slog.String("run_id", report.RunID))

	ctx, span := tracer.Start(ctx, "fedsim.Run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("clients", len(svc.cfg.Clients)),
		attribute.Bool("sim", svc.cfg.General.Sim),
	))
	defer span.End()

	svc.emit(ctx, logger, events.Event{RunID: report.RunID, Kind: events.KindRunStarted})
	defer func() {
		report.Duration = time.Since(start).Round(time.Millisecond).String()
		metrics.RunsTotal.WithLabelValues(metrics.Outcome(err)).Inc()

		ev := events.Event{
			RunID:     report.RunID,
			Kind:      events.KindRunFinished,
			Phase:     string(report.Phase),
			ProjectID: report.ProjectID,
			Status:    string(report.Status),
		}
		if err != nil {
			ev.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("run failed", slog.Any("error", err), slog.String("duration", report.Duration))
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Info("run finished", slog.String("status", string(report.Status)), slog.String("duration", report.Duration))
		}
		svc.emit(context.WithoutCancel(ctx), logger, ev)
	}()

	creds, err := svc.cfg.Credentials()
	if err != nil {
		return report, err
	}

	keepHosts := false
	defer func() {
		if keepHosts {
			return
		}
		if terr := svc.provisioner.Teardown(context.WithoutCancel(ctx)); terr != nil {
			logger.Error("failed to release hosts", slog.Any("error", terr))
		}
	}()

	var hosts []remote.Host
	err = svc.phase(ctx, "hosts", func(ctx context.Context) error {
		var perr error
		hosts, perr = svc.provisioner.Provision(ctx)

		return perr
	})
	if err != nil {
		return report, err
	}
	for _, h := range hosts {
		report.Hosts = append(report.Hosts, h.String())
	}

	if svc.cfg.Debug.VMOnly {
		keepHosts = true
		logger.Info("hosts are up, skipping the benchmark", slog.Int("hosts", len(hosts)))

		return report, nil
	}

	clients, err := svc.descriptors(hosts)
	if err != nil {
		return report, err
	}

	f, err := fleet.New(clients, svc.fleetConfig(), logger, svc.hooks(ctx, logger, report.RunID))
	if err != nil {
		return report, err
	}
	report.Phase = f.Phase()

	defer func() {
		if terr := f.Teardown(context.WithoutCancel(ctx)); terr != nil {
			logger.Warn("teardown finished with errors", slog.Any("error", terr))
		}
		report.Phase = f.Phase()
	}()

	fail := func(err error) (Report, error) {
		f.Fail(err)

		return report, err
	}

	if err := svc.phase(ctx, "connect", func(ctx context.Context) error { return f.Connect(ctx, svc.dialer) }); err != nil {
		return fail(err)
	}

	if err := f.Ping(ctx); err != nil {
		logger.Warn("ping failed on some hosts", slog.Any("error", err))
	}

	if err := svc.phase(ctx, "provision", func(ctx context.Context) error { return f.Provision(ctx, creds) }); err != nil {
		return fail(err)
	}

	err = svc.phase(ctx, "bind", func(ctx context.Context) error {
		id, berr := f.BindProject(ctx, svc.cfg.General.ProjectID)
		report.ProjectID = id

		return berr
	})
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("project_id", report.ProjectID))

	if err := svc.phase(ctx, "contribute", f.Contribute); err != nil {
		return fail(err)
	}

	err = svc.phase(ctx, "monitor", func(ctx context.Context) error {
		status, merr := f.Monitor(ctx)
		report.Status = status
		if status != "" {
			svc.emit(ctx, logger, events.Event{
				RunID:     report.RunID,
				Kind:      events.KindProjectStatus,
				ProjectID: report.ProjectID,
				Status:    string(status),
			})
		}

		return merr
	})
	if err != nil {
		return fail(err)
	}

	var statusErr error
	if !report.Status.Succeeded() {
		statusErr = fmt.Errorf("%w: project %s ended with status %s", pkgerrors.ErrRemote, report.ProjectID, report.Status)
	}

	if err := svc.phase(ctx, "results", func(ctx context.Context) error { return f.FetchResults(ctx, svc.cfg.General.OutDir) }); err != nil {
		return fail(errors.Join(statusErr, err))
	}

	if err := f.Finish(report.Status); err != nil {
		return report, err
	}

	return report, statusErr
}

func (svc *service) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "fedsim.phase."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.PhaseDuration.WithLabelValues(name, metrics.Outcome(err)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return err
	}
	span.SetStatus(codes.Ok, "")

	return nil
}

// descriptors pairs configured clients with provisioned hosts by position.
func (svc *service) descriptors(hosts []remote.Host) ([]fleet.ClientDescriptor, error) {
	if len(hosts) < len(svc.cfg.Clients) {
		return nil, fmt.Errorf("%w: %d hosts for %d clients", pkgerrors.ErrConfig, len(hosts), len(svc.cfg.Clients))
	}

	out := make([]fleet.ClientDescriptor, 0, len(svc.cfg.Clients))
	for i, cl := range svc.cfg.Clients {
		host := hosts[i]
		host.Name = cl.Name

		role := fleet.RoleParticipant
		if cl.Coordinator {
			role = fleet.RoleCoordinator
		}

		out = append(out, fleet.ClientDescriptor{
			Name:       cl.Name,
			Host:       host,
			Role:       role,
			FCUsername: cl.FCUsername,
			DataPaths:  cl.Data,
		})
	}

	return out, nil
}

func (svc *service) fleetConfig() fleet.Config {
	return fleet.Config{
		Concurrency:       svc.cfg.General.Concurrency,
		FcautoBinary:      svc.cfg.General.FcautoBinary,
		ControllerPackage: svc.cfg.General.ControllerPackage,
		ProvisionScript:   svc.cfg.General.ProvisionScript,
		Reinstall:         svc.cfg.Debug.Reinstall,
		NoDeps:            svc.cfg.Debug.NoDeps,
		Tool:              svc.cfg.General.Tool,
		APIURL:            svc.cfg.FeatureCloud.APIURL,
		ControllerURL:     svc.cfg.FeatureCloud.ControllerURL,
		MonitorTimeout:    svc.cfg.Debug.MonitorTimeout(),
		MonitorInterval:   svc.cfg.Debug.MonitorInterval(),
	}
}

func (svc *service) hooks(ctx context.Context, logger *slog.Logger, runID string) fleet.Hooks {
	ctx = context.WithoutCancel(ctx)

	return fleet.Hooks{
		OnPhase: func(_, to fleet.Phase) {
			svc.emit(ctx, logger, events.Event{RunID: runID, Kind: events.KindPhaseEntered, Phase: string(to)})
		},
		OnHostOperation: func(op string, c *fleet.ClientDescriptor, err error) {
			ev := events.Event{RunID: runID, Kind: events.KindHostOperation, Operation: op, Host: c.Name}
			if err != nil {
				ev.Error = err.Error()
			}
			svc.emit(ctx, logger, ev)
		},
	}
}

func (svc *service) emit(ctx context.Context, logger *slog.Logger, ev events.Event) {
	ev.Timestamp = time.Now().UTC()
	if err := svc.emitter.Emit(ctx, ev); err != nil {
		logger.Debug("failed to emit event", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
	}
}
