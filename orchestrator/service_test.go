package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/absmach/fedsim"
	"github.com/absmach/fedsim/featurecloud"
	"github.com/absmach/fedsim/fleet"
	"github.com/absmach/fedsim/pkg/archive"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/events"
	"github.com/absmach/fedsim/pkg/remote"
	"github.com/absmach/fedsim/pkg/remote/remotetest"
	smqerrors "github.com/absmach/supermq/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	hosts       []remote.Host
	err         error
	provisioned int
	tornDown    int
}

func (p *fakeProvisioner) Provision(context.Context) ([]remote.Host, error) {
	p.provisioned++

	return p.hosts, p.err
}

func (p *fakeProvisioner) Teardown(context.Context) error {
	p.tornDown++

	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)

	return nil
}

func (r *recorder) Close(context.Context) error {
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Kind
	for _, ev := range r.events {
		if ev.Kind == events.KindRunStarted || ev.Kind == events.KindRunFinished {
			out = append(out, ev.Kind)
		}
	}

	return out
}

func (r *recorder) find(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

func (r *recorder) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, ev := range r.events {
		if ev.Kind == events.KindPhaseEntered {
			out = append(out, ev.Phase)
		}
	}

	return out
}

// remoteFleet answers fcauto and controller commands like healthy hosts.
type remoteFleet struct {
	tokens      int
	status      string
	monitorErr  error
	downloadErr error
	results     []byte
}

func (r *remoteFleet) handle(h *remotetest.Host, cmd string) (remote.Result, error) {
	var out strings.Builder
	switch {
	case strings.Contains(cmd, "bin/fcauto create"):
		out.WriteString("PROJECT: 17300\n")
		for i := range r.tokens {
			out.WriteString("TOKEN: token-" + string(rune('a'+i)) + "\n")
		}
	case strings.Contains(cmd, "bin/fcauto join"):
		out.WriteString("PROJECT: 17300\n")
	case strings.Contains(cmd, "bin/fcauto monitor"):
		if r.monitorErr != nil {
			return remote.Result{}, r.monitorErr
		}
		out.WriteString("STATUS: " + r.status + "\n")
	case strings.Contains(cmd, "bin/fcauto download"):
		if r.downloadErr != nil {
			return remote.Result{}, r.downloadErr
		}
		h.SetFile("results.tar.gz", r.results)
	case strings.Contains(cmd, "controller status"):
		out.WriteString("running\n")
	}

	return remote.Result{Stdout: out.String()}, nil
}

type env struct {
	cfg         fedsim.Config
	provisioner *fakeProvisioner
	dialer      *remotetest.Dialer
	remotes     *remoteFleet
	events      *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

		return p
	}

	cfg := fedsim.Default()
	cfg.General.Tool = "mean-app"
	cfg.General.OutDir = filepath.Join(dir, "results")
	cfg.General.EnvFile = write(".env", "fc_c0=p0\nfc_c1=p1\nfc_c2=p2\n")
	cfg.General.FcautoBinary = write("fcauto", "binary")
	cfg.Clients = []fedsim.ClientConfig{
		{Name: "c0", Username: "u", Hostname: "10.0.0.1", SSHKey: "k", Coordinator: true, FCUsername: "fc_c0", Data: []string{write("c0.csv", "x\n1\n")}},
		{Name: "c1", Username: "u", Hostname: "10.0.0.2", SSHKey: "k", FCUsername: "fc_c1", Data: []string{write("c1.csv", "x\n2\n")}},
		{Name: "c2", Username: "u", Hostname: "10.0.0.3", SSHKey: "k", FCUsername: "fc_c2", Data: []string{write("c2.csv", "x\n3\n")}},
	}
	require.NoError(t, cfg.Validate())

	logs := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(logs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logs, "p17300_r1_s0.log"), []byte("done\n"), 0o644))
	var buf bytes.Buffer
	require.NoError(t, archive.Pack(&buf, []string{filepath.Join(logs, "p17300_r1_s0.log")}))

	remotes := &remoteFleet{tokens: 2, status: "finished", results: buf.Bytes()}

	return &env{
		cfg:         cfg,
		provisioner: &fakeProvisioner{hosts: cfg.Hosts()},
		dialer:      remotetest.NewDialer(remotes.handle),
		remotes:     remotes,
		events:      &recorder{},
	}
}

func (e *env) run(t *testing.T) (Report, error) {
	t.Helper()

	svc := NewService(e.cfg, e.provisioner, e.dialer, e.events, nil)

	return svc.Run(context.Background())
}

func (e *env) commands(name, substr string) []string {
	h := e.dialer.Host(name)
	if h == nil {
		return nil
	}

	var out []string
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}

	return out
}

func (e *env) assertTornDown(t *testing.T) {
	t.Helper()

	assert.Equal(t, 1, e.provisioner.tornDown)
	for _, name := range []string{"c0", "c1", "c2"} {
		h := e.dialer.Host(name)
		if h == nil {
			continue
		}
		assert.True(t, h.Closed(), name)
		cmds := h.Commands()
		require.NotEmpty(t, cmds, name)
		assert.Contains(t, cmds[len(cmds)-1], "featurecloud controller stop", name)
	}
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t)

	report, err := e.run(t)
	require.NoError(t, err)

	assert.Equal(t, "17300", report.ProjectID)
	assert.Equal(t, featurecloud.StatusFinished, report.Status)
	assert.Equal(t, fleet.PhaseTornDown, report.Phase)
	assert.NotEmpty(t, report.RunID)
	assert.Len(t, report.Hosts, 3)

	assert.Len(t, e.commands("c0", "bin/fcauto create"), 1)
	assert.Len(t, e.commands("c1", "bin/fcauto join"), 1)
	assert.Len(t, e.commands("c2", "bin/fcauto join"), 1)
	for _, name := range []string{"c0", "c1", "c2"} {
		assert.Len(t, e.commands(name, "bin/fcauto contribute"), 1, name)
	}
	assert.Len(t, e.commands("c0", "bin/fcauto monitor"), 1)

	for _, user := range []string{"fc_c0", "fc_c1", "fc_c2"} {
		matches, err := filepath.Glob(filepath.Join(e.cfg.General.OutDir, user, "*.log"))
		require.NoError(t, err)
		assert.NotEmpty(t, matches, user)
	}

	e.assertTornDown(t)
	assert.Equal(t, []events.Kind{events.KindRunStarted, events.KindRunFinished}, e.events.kinds())
	assert.Equal(t, []string{
		"CONNECTED", "PROVISIONED", "PROJECT_BOUND", "CONTRIBUTING", "MONITORING", "COMPLETE", "TORN_DOWN",
	}, e.events.phases())

	statuses := e.events.find(events.KindProjectStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "finished", statuses[0].Status)
	assert.Equal(t, "17300", statuses[0].ProjectID)
	assert.Equal(t, report.RunID, statuses[0].RunID)
}

func TestRunAttachesToExistingProject(t *testing.T) {
	e := newEnv(t)
	e.cfg.General.ProjectID = "17304"

	report, err := e.run(t)
	require.NoError(t, err)
	assert.Equal(t, "17304", report.ProjectID)

	assert.Empty(t, e.commands("c0", "bin/fcauto create"))
	assert.Empty(t, e.commands("c1", "bin/fcauto join"))
	assert.Empty(t, e.commands("c2", "bin/fcauto join"))
	assert.Contains(t, e.commands("c1", "bin/fcauto contribute")[0], "-p 17304")
}

func TestRunMalformedTokens(t *testing.T) {
	e := newEnv(t)
	e.remotes.tokens = 1

	report, err := e.run(t)
	require.ErrorIs(t, err, pkgerrors.ErrProjectCreation)
	assert.Equal(t, fleet.PhaseTornDown, report.Phase)

	assert.Empty(t, e.commands("c1", "bin/fcauto join"))
	assert.Empty(t, e.commands("c2", "bin/fcauto join"))
	assert.Empty(t, e.commands("c0", "bin/fcauto contribute"))
	e.assertTornDown(t)
	assert.Contains(t, e.events.phases(), "FAILED")
}

func TestRunMonitorTimeout(t *testing.T) {
	e := newEnv(t)
	e.remotes.monitorErr = &pkgerrors.ExitError{Command: "bin/fcauto monitor", Code: pkgerrors.ExitCodeTimeout}

	_, err := e.run(t)
	require.ErrorIs(t, err, pkgerrors.ErrTimeout)
	assert.Equal(t, pkgerrors.ExitCodeTimeout, pkgerrors.ExitCode(err))

	assert.Empty(t, e.commands("c0", "bin/fcauto download"))
	e.assertTornDown(t)
}

func TestRunProjectFailed(t *testing.T) {
	e := newEnv(t)
	e.remotes.status = "error"

	report, err := e.run(t)
	require.ErrorIs(t, err, pkgerrors.ErrRemote)
	assert.Equal(t, featurecloud.StatusError, report.Status)
	assert.NotEmpty(t, e.commands("c1", "bin/fcauto download"), "logs are fetched for failed projects too")
	assert.Contains(t, e.events.phases(), "FAILED")
}

func TestRunProjectFailedAndDownloadFailed(t *testing.T) {
	e := newEnv(t)
	e.remotes.status = "failed"
	e.remotes.downloadErr = &pkgerrors.ExitError{Command: "bin/fcauto download", Code: 2, Stderr: "disk full"}

	report, err := e.run(t)
	require.ErrorIs(t, err, pkgerrors.ErrRemote)
	assert.ErrorContains(t, err, "ended with status failed")
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, featurecloud.StatusFailed, report.Status)
	e.assertTornDown(t)
}

func TestRunMissingCredentials(t *testing.T) {
	e := newEnv(t)
	e.cfg.Clients[2].FCUsername = "FEDSIM_TEST_NOBODY"

	_, err := e.run(t)
	require.ErrorIs(t, err, pkgerrors.ErrConfig)
	assert.Zero(t, e.provisioner.provisioned, "nothing is provisioned without credentials")
	assert.Nil(t, e.dialer.Host("c0"))
}

func TestRunConnectFailure(t *testing.T) {
	e := newEnv(t)
	e.dialer.Fail("c1", smqerrors.New("connection refused"))

	report, err := e.run(t)
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, fleet.PhaseTornDown, report.Phase)
	assert.True(t, e.dialer.Host("c0").Closed())
	assert.Equal(t, 1, e.provisioner.tornDown)
}

func TestRunProvisionerFailureStillReleasesHosts(t *testing.T) {
	e := newEnv(t)
	e.provisioner.err = errors.New("vagrant up failed")

	_, err := e.run(t)
	require.Error(t, err)
	assert.Equal(t, 1, e.provisioner.tornDown)
}

func TestRunVMOnly(t *testing.T) {
	e := newEnv(t)
	e.cfg.Debug.VMOnly = true

	report, err := e.run(t)
	require.NoError(t, err)
	assert.Len(t, report.Hosts, 3)
	assert.Nil(t, e.dialer.Host("c0"), "hosts are not contacted")
	assert.Zero(t, e.provisioner.tornDown, "hosts stay up")
}

func TestRunTooFewHosts(t *testing.T) {
	e := newEnv(t)
	e.provisioner.hosts = e.provisioner.hosts[:2]

	_, err := e.run(t)
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)
}

func TestNewProvisioner(t *testing.T) {
	cfg := newEnv(t).cfg

	static, ok := NewProvisioner(cfg, nil).(staticProvisioner)
	require.True(t, ok)
	assert.Len(t, static.hosts, 3)

	cfg.General.Sim = true
	_, ok = NewProvisioner(cfg, nil).(staticProvisioner)
	assert.False(t, ok)
}
