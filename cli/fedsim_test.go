package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fleetTOML = `
[general]
tool = "random-forest"
env_file = %q

[clients.hub]
username = "ubuntu"
hostname = "10.0.0.1"
sshkey = "~/.ssh/id_ed25519"
coordinator = true
fc_username = "fc_hub"

[clients.spoke]
username = "ubuntu"
hostname = "10.0.0.2"
sshkey = "~/.ssh/id_ed25519"
fc_username = "fc_spoke"
data = ["data/spoke"]
`

func executeFedsim(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewFedsimCmd()

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), err
}

func writeFleetConfig(t *testing.T, envContent string) string {
	t.Helper()

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	path := filepath.Join(dir, "fleet.toml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(fleetTOML, envFile)), 0o644))

	return path
}

func TestFedsimTools(t *testing.T) {
	out, err := executeFedsim(t, "tools")
	require.NoError(t, err)
	assert.Equal(t, []string{"federated-svd", "mean-app", "random-forest"}, strings.Fields(out))
}

func TestFedsimValidate(t *testing.T) {
	t.Setenv("fc_spoke", "")

	cases := []struct {
		name string
		env  string
		err  error
	}{
		{name: "all credentials present", env: "fc_hub=a\nfc_spoke=b\n"},
		{name: "credential missing", env: "fc_hub=a\n", err: pkgerrors.ErrConfig},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := executeFedsim(t, "validate", "-c", writeFleetConfig(t, tc.env))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}

			require.NoError(t, err)
			assert.Contains(t, out, "ubuntu@10.0.0.1")
			assert.Contains(t, out, "fc_spoke")
		})
	}
}

func TestFedsimRunRejectsBadConfig(t *testing.T) {
	_, err := executeFedsim(t, "run", "-c", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[general]\ntool = \"unknown\"\n[clients.a]\ncoordinator = true\nfc_username = \"x\"\n"), 0o644))

	_, err = executeFedsim(t, "run", "-c", path)
	assert.ErrorIs(t, err, pkgerrors.ErrConfig)
}

func TestNewLogger(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	tests := []struct {
		name    string
		level   string
		verbose bool
		want    slog.Level
	}{
		{name: "default", level: "", want: slog.LevelInfo},
		{name: "from level", level: "warn", want: slog.LevelWarn},
		{name: "invalid level", level: "loud", want: slog.LevelInfo},
		{name: "verbose wins", level: "error", verbose: true, want: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(f, tt.level, tt.verbose)
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.want))
			assert.False(t, logger.Enabled(ctx, tt.want-1))
			_, isJSON := logger.Handler().(*slog.JSONHandler)
			assert.True(t, isJSON, "files get JSON logs")
		})
	}
}
