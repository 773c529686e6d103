// Package fleet sequences setup and project operations across one
// coordinator and its participants.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/metrics"
	"github.com/absmach/fedsim/pkg/remote"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Concurrency bounds how many hosts a fan-out touches at once. Values
	// below one run hosts one after another in roster order.
	Concurrency int

	// FcautoBinary is the local fcauto build installed on every host.
	FcautoBinary      string
	ControllerPackage string
	ProvisionScript   string
	Reinstall         bool
	NoDeps            bool

	Tool            string
	APIURL          string
	ControllerURL   string
	MonitorTimeout  time.Duration
	MonitorInterval time.Duration
}

// Hooks observe fleet progress. Either field may be nil.
type Hooks struct {
	OnPhase         func(from, to Phase)
	OnHostOperation func(op string, c *ClientDescriptor, err error)
}

type Fleet struct {
	cfg          Config
	coordinator  *ClientDescriptor
	participants []*ClientDescriptor
	logger       *slog.Logger
	hooks        Hooks

	mu        sync.Mutex
	phase     Phase
	projectID string
}

type mode int

const (
	// failFast aborts the fan-out on the first host error.
	failFast mode = iota
	// bestEffort visits every host and joins the errors.
	bestEffort
)

// New assembles a fleet from clients in configuration order. Exactly one
// client must be a coordinator.
func New(clients []ClientDescriptor, cfg Config, logger *slog.Logger, hooks Hooks) (*Fleet, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f := &Fleet{
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		phase:  PhaseAssembled,
	}

	seen := make(map[string]bool, len(clients))
	for i := range clients {
		c := clients[i]
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: client %s appears twice", pkgerrors.ErrConfig, c.Name)
		}
		seen[c.Name] = true

		if c.Role == RoleCoordinator {
			if f.coordinator != nil {
				return nil, fmt.Errorf("%w: both %s and %s are coordinators", pkgerrors.ErrConfig, f.coordinator.Name, c.Name)
			}
			f.coordinator = &c

			continue
		}
		c.Role = RoleParticipant
		f.participants = append(f.participants, &c)
	}

	if f.coordinator == nil {
		return nil, fmt.Errorf("%w: no coordinator configured", pkgerrors.ErrConfig)
	}

	metrics.FleetSize.Set(float64(len(clients)))

	return f, nil
}

func (f *Fleet) Coordinator() *ClientDescriptor {
	return f.coordinator
}

func (f *Fleet) Participants() []*ClientDescriptor {
	return append([]*ClientDescriptor(nil), f.participants...)
}

// All returns the coordinator followed by the participants in order.
func (f *Fleet) All() []*ClientDescriptor {
	all := make([]*ClientDescriptor, 0, len(f.participants)+1)
	all = append(all, f.coordinator)

	return append(all, f.participants...)
}

func (f *Fleet) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.phase
}

// ProjectID returns the project bound to the fleet, if any.
func (f *Fleet) ProjectID() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.projectID
}

// Fail moves the fleet to FAILED unless its outcome is already settled.
func (f *Fleet) Fail(cause error) {
	if IsSettled(f.Phase()) {
		return
	}

	f.logger.Error("fleet failed", slog.String("phase", string(f.Phase())), slog.Any("error", cause))
	_ = f.transition(PhaseFailed)
}

func (f *Fleet) transition(to Phase) error {
	f.mu.Lock()
	from := f.phase
	if !ValidTransition(from, to) {
		f.mu.Unlock()

		return fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidPhaseTransition, from, to)
	}
	f.phase = to
	f.mu.Unlock()

	f.logger.Info("fleet phase changed", slog.String("from", string(from)), slog.String("to", string(to)))
	if f.hooks.OnPhase != nil {
		f.hooks.OnPhase(from, to)
	}

	return nil
}

func (f *Fleet) expect(p Phase) error {
	if cur := f.Phase(); cur != p {
		return fmt.Errorf("%w: fleet is %s, expected %s", pkgerrors.ErrInvalidPhaseTransition, cur, p)
	}

	return nil
}

// Connect dials every client and attaches the connection to its descriptor.
func (f *Fleet) Connect(ctx context.Context, dialer remote.Dialer) error {
	if err := f.expect(PhaseAssembled); err != nil {
		return err
	}

	err := f.forEach(ctx, "connect", f.All(), failFast, func(ctx context.Context, c *ClientDescriptor) error {
		conn, err := dialer.Dial(ctx, c.Host)
		if err != nil {
			return err
		}
		c.conn = conn

		return nil
	})
	if err != nil {
		return err
	}

	return f.transition(PhaseConnected)
}

// Teardown stops the controllers on connected hosts and closes their
// connections. It never stops early; the returned error joins every failure.
func (f *Fleet) Teardown(ctx context.Context) error {
	if f.Phase() == PhaseTornDown {
		return fmt.Errorf("%w: fleet is already torn down", pkgerrors.ErrInvalidPhaseTransition)
	}

	var live []*ClientDescriptor
	for _, c := range f.All() {
		if c.conn != nil {
			live = append(live, c)
		}
	}

	var errs []error
	if len(live) > 0 {
		errs = append(errs, f.StopControllers(ctx, live...))
	}

	for _, c := range live {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c, err))
		}
		c.conn = nil
	}

	errs = append(errs, f.transition(PhaseTornDown))

	return errors.Join(errs...)
}

func (f *Fleet) forEach(ctx context.Context, op string, clients []*ClientDescriptor, m mode, fn func(context.Context, *ClientDescriptor) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(f.cfg.Concurrency, 1))

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, c := range clients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			err := fn(gctx, c)
			f.observe(op, c, err)
			if err == nil {
				return nil
			}

			err = fmt.Errorf("%s on %s: %w", op, c, err)
			if m == failFast {
				return err
			}

			f.logger.Warn("host operation failed", slog.String("op", op), slog.String("client", c.Name), slog.Any("error", err))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return errors.Join(errs...)
}

func (f *Fleet) observe(op string, c *ClientDescriptor, err error) {
	metrics.HostOperations.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if f.hooks.OnHostOperation != nil {
		f.hooks.OnHostOperation(op, c, err)
	}
}

func (f *Fleet) run(ctx context.Context, c *ClientDescriptor, cmd string) (remote.Result, error) {
	conn, err := c.executor()
	if err != nil {
		return remote.Result{}, err
	}

	f.logger.Debug("running remote command", slog.String("client", c.Name), slog.String("cmd", cmd))

	return conn.Run(ctx, cmd)
}
