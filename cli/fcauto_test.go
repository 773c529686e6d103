package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fedsim/featurecloud"
	"github.com/absmach/fedsim/featurecloud/fctest"
	"github.com/absmach/fedsim/fleet"
	"github.com/absmach/fedsim/pkg/clock"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var users = map[string]string{
	"alice": "alice-secret",
	"bob":   "bob-secret",
	"carol": "carol-secret",
}

type fcautoEnvFixture struct {
	srv     *fctest.Server
	envFile string
}

func newFcautoFixture(t *testing.T) *fcautoEnvFixture {
	t.Helper()

	srv := fctest.NewServer(users)
	t.Cleanup(srv.Close)

	var b strings.Builder
	for user, secret := range users {
		fmt.Fprintf(&b, "%s=%s\n", user, secret)
	}
	fmt.Fprintf(&b, "FCAUTO_API_URL=%s\n", srv.URL)
	fmt.Fprintf(&b, "FCAUTO_CONTROLLER_URL=%s\n", srv.URL)

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(b.String()), 0o600))

	return &fcautoEnvFixture{srv: srv, envFile: envFile}
}

func (f *fcautoEnvFixture) run(t *testing.T, user string, args ...string) (string, error) {
	t.Helper()

	cmd := NewFcautoCmd(
		featurecloud.WithHTTPClient(f.srv.Client()),
		featurecloud.WithClock(clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))),
	)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "-u", user, "--env-file", f.envFile))

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), err
}

func TestFcautoCreateAndJoin(t *testing.T) {
	f := newFcautoFixture(t)

	out, err := f.run(t, "alice", "create", "-t", "mean-app", "-n", "2")
	require.NoError(t, err)

	created := fleet.ParseCreation(out)
	require.Len(t, created.Tokens, 2)

	id, err := strconv.Atoi(created.ProjectID)
	require.NoError(t, err)
	p, ok := f.srv.Project(id)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Coordinator)
	assert.Equal(t, 66, p.ToolID)

	for i, user := range []string{"bob", "carol"} {
		out, err := f.run(t, user, "join", "-t", created.Tokens[i], "-p", created.ProjectID)
		require.NoError(t, err, user)
		assert.Equal(t, "PROJECT: "+created.ProjectID+"\n", out, user)
	}

	p, _ = f.srv.Project(id)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, p.Members)

	_, err = f.run(t, "bob", "join", "-t", created.Tokens[0], "-p", created.ProjectID)
	assert.ErrorIs(t, err, pkgerrors.ErrRemote)
}

func TestFcautoCreateRejectsUnknownTool(t *testing.T) {
	f := newFcautoFixture(t)

	out, err := f.run(t, "alice", "create", "-t", "linear-regression", "-n", "1")
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownTool)
	assert.Empty(t, out)
	assert.Empty(t, f.srv.ProjectIDs())
}

func TestFcautoCredentials(t *testing.T) {
	f := newFcautoFixture(t)

	_, err := f.run(t, "mallory", "query", "-p", "1")
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)

	bad := filepath.Join(t.TempDir(), ".env")
	content := fmt.Sprintf("alice=nope\nFCAUTO_API_URL=%s\n", f.srv.URL)
	require.NoError(t, os.WriteFile(bad, []byte(content), 0o600))
	f.envFile = bad

	_, err = f.run(t, "alice", "query", "-p", "1")
	assert.ErrorIs(t, err, pkgerrors.ErrAuth)
}

func TestFcautoMissingEnvFile(t *testing.T) {
	f := newFcautoFixture(t)
	f.envFile = filepath.Join(t.TempDir(), "absent.env")

	_, err := f.run(t, "alice", "query", "-p", "1")
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)
}

func TestFcautoQuery(t *testing.T) {
	f := newFcautoFixture(t)
	id := f.srv.AddProject("alice", fctest.StatusRunning, "bob")

	out, err := f.run(t, "bob", "query", "-p", strconv.Itoa(id))
	require.NoError(t, err)
	assert.Equal(t, "STATUS: running\n", out)

	_, err = f.run(t, "carol", "query", "-p", strconv.Itoa(id))
	assert.ErrorIs(t, err, pkgerrors.ErrRemote)
}

func TestFcautoContributeAndDownload(t *testing.T) {
	f := newFcautoFixture(t)
	id := f.srv.AddProject("alice", fctest.StatusReady)
	pid := strconv.Itoa(id)

	data := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(data, "site"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "site", "client.csv"), []byte("a,b\n1,2\n"), 0o644))

	out, err := f.run(t, "alice", "contribute", "-p", pid, "-d", data)
	require.NoError(t, err)
	assert.Equal(t, "PROJECT: "+pid+"\n", out)

	p, _ := f.srv.Project(id)
	assert.Equal(t, fctest.StatusRunning, p.Status)
	require.NotEmpty(t, p.Uploads)
	assert.Equal(t, "client.csv", p.Uploads[0].FileName)
	assert.Equal(t, 1, p.Finalized)

	outDir := t.TempDir()
	out, err = f.run(t, "alice", "download", "-p", pid, "-o", outDir)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), 3)

	logs, err := filepath.Glob(filepath.Join(outDir, "*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestFcautoParticipantCannotStartPreparation(t *testing.T) {
	f := newFcautoFixture(t)
	id := f.srv.AddProject("alice", fctest.StatusReady, "bob")

	_, err := f.run(t, "bob", "contribute", "-p", strconv.Itoa(id))
	assert.ErrorIs(t, err, pkgerrors.ErrPermission)

	p, _ := f.srv.Project(id)
	assert.Equal(t, fctest.StatusReady, p.Status)
}

func TestFcautoContributeControllerDown(t *testing.T) {
	f := newFcautoFixture(t)
	id := f.srv.AddProject("alice", fctest.StatusReady)
	f.srv.SetControllerDown(true)

	_, err := f.run(t, "alice", "contribute", "-p", strconv.Itoa(id))
	require.Error(t, err)
	assert.Zero(t, f.srv.CountCalls("POST /file-upload/"))
}

func TestFcautoMonitor(t *testing.T) {
	tests := []struct {
		name    string
		polls   int
		final   string
		timeout string
		out     string
		err     error
	}{
		{name: "finished", polls: 2, final: fctest.StatusFinished, timeout: "1m", out: "STATUS: finished\n"},
		{name: "failed", polls: 1, final: "failed", timeout: "1m", out: "STATUS: failed\n"},
		{name: "still running", polls: 0, timeout: "12s", out: "STATUS: running\n", err: pkgerrors.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFcautoFixture(t)
			id := f.srv.AddProject("alice", fctest.StatusRunning)
			f.srv.FinishAfter(tt.polls, tt.final)

			out, err := f.run(t, "alice", "monitor", "-p", strconv.Itoa(id), "--timeout", tt.timeout, "--interval", "5s")
			assert.Equal(t, tt.out, out)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Equal(t, pkgerrors.ExitCodeTimeout, pkgerrors.ExitCode(err))

				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFcautoReset(t *testing.T) {
	f := newFcautoFixture(t)
	id := f.srv.AddProject("alice", fctest.StatusFinished)

	out, err := f.run(t, "alice", "reset", "-p", strconv.Itoa(id), "--yes")
	require.NoError(t, err)
	assert.Equal(t, "STATUS: ready\n", out)

	p, _ := f.srv.Project(id)
	assert.Equal(t, fctest.StatusReady, p.Status)
}

func TestFcautoSite(t *testing.T) {
	f := newFcautoFixture(t)
	path := filepath.Join(t.TempDir(), "data", "site_info.json")

	_, err := f.run(t, "alice", "site", "-o", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", filepath.Join("nested", "c.csv")} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	single := filepath.Join(t.TempDir(), "single.csv")
	require.NoError(t, os.WriteFile(single, []byte("x"), 0o644))

	files, err := expandPaths([]string{dir, single})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.csv"),
		filepath.Join(dir, "b.csv"),
		filepath.Join(dir, "nested", "c.csv"),
		single,
	}, files)

	_, err = expandPaths([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
