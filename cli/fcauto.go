package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/absmach/fedsim/featurecloud"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const fcautoEnvPrefix = "FCAUTO_"

// fcautoEnv holds the endpoints fcauto talks to. Values come from the env
// file first and the process environment second.
type fcautoEnv struct {
	APIURL        string `env:"API_URL" envDefault:"https://featurecloud.ai"`
	ControllerURL string `env:"CONTROLLER_URL" envDefault:"http://localhost:8000"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

type fcautoClient struct {
	env      fcautoEnv
	username string
	secret   string
	logger   *slog.Logger
	opts     []featurecloud.Option
}

func (c *fcautoClient) session(cmd *cobra.Command) (*featurecloud.Session, error) {
	return featurecloud.Authenticate(cmd.Context(), c.env.APIURL, c.username, c.secret, c.opts...)
}

func (c *fcautoClient) controller() *featurecloud.Controller {
	return featurecloud.NewController(c.env.ControllerURL, c.opts...)
}

func (c *fcautoClient) project(cmd *cobra.Command) (*featurecloud.Project, error) {
	id, _ := cmd.Flags().GetString("project")
	if id == "" {
		return nil, fmt.Errorf("%w: project id is required", pkgerrors.ErrConfig)
	}

	s, err := c.session(cmd)
	if err != nil {
		return nil, err
	}

	return featurecloud.AttachProject(cmd.Context(), s, id)
}

func fcautoCommands(opts []featurecloud.Option) []cobra.Command {
	load := func(cmd *cobra.Command) (*fcautoClient, error) {
		return loadFcautoClient(cmd, opts)
	}

	return []cobra.Command{
		{
			Use:   "create",
			Short: "Create a project and mint participant tokens",
			Long:  `Creates a project running the given tool and prints its id followed by one token per participant.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				tool, _ := cmd.Flags().GetString("tool")
				n, _ := cmd.Flags().GetInt("participants")
				if n < 0 {
					return fmt.Errorf("%w: participants must not be negative", pkgerrors.ErrConfig)
				}

				c, err := load(cmd)
				if err != nil {
					return err
				}
				s, err := c.session(cmd)
				if err != nil {
					return err
				}

				p, err := featurecloud.CreateProject(cmd.Context(), s, tool)
				if err != nil {
					return err
				}
				tokens, err := p.CreateTokens(cmd.Context(), n)
				if err != nil {
					return err
				}

				printLine(cmd.OutOrStdout(), linePrefixProject, p.ID)
				for _, t := range tokens {
					printLine(cmd.OutOrStdout(), linePrefixToken, t.Token)
				}

				return nil
			},
		},
		{
			Use:   "join",
			Short: "Join a project with a participant token",
			RunE: func(cmd *cobra.Command, _ []string) error {
				token, _ := cmd.Flags().GetString("token")
				id, _ := cmd.Flags().GetString("project")

				c, err := load(cmd)
				if err != nil {
					return err
				}
				s, err := c.session(cmd)
				if err != nil {
					return err
				}

				p, err := featurecloud.JoinProject(cmd.Context(), s, token, id)
				if err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), linePrefixProject, p.ID)

				return nil
			},
		},
		{
			Use:   "contribute",
			Short: "Upload data files to a project through the local controller",
			Long: `Uploads every file under the given data paths and finalizes the contribution.
The coordinator moves a ready project into prepare; participants must wait for it.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				data, _ := cmd.Flags().GetStringSlice("data")
				files, err := expandPaths(data)
				if err != nil {
					return err
				}

				c, err := load(cmd)
				if err != nil {
					return err
				}
				p, err := c.project(cmd)
				if err != nil {
					return err
				}

				ctl := c.controller()
				if err := ctl.Ping(cmd.Context()); err != nil {
					return err
				}

				if _, err := featurecloud.NewUploader(p, ctl, featurecloud.DefaultUploadConfig()).Upload(cmd.Context(), files); err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), linePrefixProject, p.ID)

				return nil
			},
		},
		{
			Use:   "monitor",
			Short: "Wait for a project run to end",
			Long:  `Polls the project until it leaves running. Exits with status 124 when the run outlasts the timeout.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				timeout, _ := cmd.Flags().GetDuration("timeout")
				interval, _ := cmd.Flags().GetDuration("interval")
				outDir, _ := cmd.Flags().GetString("outdir")

				c, err := load(cmd)
				if err != nil {
					return err
				}
				p, err := c.project(cmd)
				if err != nil {
					return err
				}

				st, err := p.Monitor(cmd.Context(), interval, timeout)
				if st != "" {
					printLine(cmd.OutOrStdout(), linePrefixStatus, st.String())
				}
				if err != nil {
					return err
				}

				if outDir == "" {
					return nil
				}

				_, err = c.controller().DownloadOutcome(cmd.Context(), p.ID, outDir)

				return err
			},
		},
		{
			Use:   "query",
			Short: "Show the status of a project",
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := load(cmd)
				if err != nil {
					return err
				}
				p, err := c.project(cmd)
				if err != nil {
					return err
				}

				st, err := p.Status(cmd.Context())
				if err != nil {
					return err
				}
				coordinator, err := p.IsCoordinator(cmd.Context())
				if err != nil {
					return err
				}

				printLine(cmd.OutOrStdout(), linePrefixStatus, st.String())
				if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
					logJSONCmd(*cmd, map[string]any{
						"project_id":  p.ID,
						"name":        p.Name,
						"status":      st,
						"coordinator": coordinator,
					})
				}

				return nil
			},
		},
		{
			Use:   "reset",
			Short: "Move a project back to ready",
			RunE: func(cmd *cobra.Command, _ []string) error {
				yes, _ := cmd.Flags().GetBool("yes")
				id, _ := cmd.Flags().GetString("project")

				if !yes && isTerminal(os.Stdin) {
					confirmed := false
					err := huh.NewConfirm().
						Title(fmt.Sprintf("Reset project %s to ready?", id)).
						Affirmative("Reset").
						Negative("Cancel").
						Value(&confirmed).
						Run()
					if err != nil {
						return err
					}
					if !confirmed {
						fmt.Fprintln(cmd.ErrOrStderr(), "reset cancelled")

						return nil
					}
				}

				c, err := load(cmd)
				if err != nil {
					return err
				}
				p, err := c.project(cmd)
				if err != nil {
					return err
				}
				if err := p.Reset(cmd.Context()); err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), linePrefixStatus, featurecloud.StatusReady.String())

				return nil
			},
		},
		{
			Use:   "download",
			Short: "Download logs and results of the latest project run",
			RunE: func(cmd *cobra.Command, _ []string) error {
				outDir, _ := cmd.Flags().GetString("outdir")

				c, err := load(cmd)
				if err != nil {
					return err
				}
				id, _ := cmd.Flags().GetString("project")
				if id == "" {
					return fmt.Errorf("%w: project id is required", pkgerrors.ErrConfig)
				}

				files, err := c.controller().DownloadOutcome(cmd.Context(), id, outDir)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}

				return nil
			},
		},
		{
			Use:   "site",
			Short: "Save the site description document",
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, _ := cmd.Flags().GetString("output")

				c, err := load(cmd)
				if err != nil {
					return err
				}
				s, err := c.session(cmd)
				if err != nil {
					return err
				}

				raw, err := s.SiteInfo(cmd.Context())
				if err != nil {
					return err
				}

				var buf bytes.Buffer
				if err := json.Indent(&buf, raw, "", "  "); err != nil {
					return err
				}
				buf.WriteByte('\n')

				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return err
				}
				c.logger.Info("saved site info", slog.String("path", out))

				return nil
			},
		},
	}
}

// NewFcautoCmd returns the fcauto command tree. opts are applied to every
// FeatureCloud session and controller the commands create.
func NewFcautoCmd(opts ...featurecloud.Option) *cobra.Command {
	root := &cobra.Command{
		Use:           "fcauto",
		Short:         "FeatureCloud project automation",
		Long:          `Creates, joins, feeds and watches FeatureCloud projects on behalf of one user.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("username", "u", "", "FeatureCloud username (required)")
	root.PersistentFlags().String("env-file", ".env", "File holding the user's password and service URLs")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cmds := fcautoCommands(opts)
	for i := range cmds {
		cmds[i].Args = cobra.NoArgs
		root.AddCommand(&cmds[i])
	}

	createCmd := &cmds[0]
	createCmd.Flags().StringP("tool", "t", "", fmt.Sprintf("Tool to run, one of %s (required)", strings.Join(featurecloud.Tools(), ", ")))
	createCmd.Flags().IntP("participants", "n", 0, "Number of participant tokens to mint")
	_ = createCmd.MarkFlagRequired("tool")

	joinCmd := &cmds[1]
	joinCmd.Flags().StringP("token", "t", "", "Participant token (required)")
	joinCmd.Flags().StringP("project", "p", "", "Expected project id")
	_ = joinCmd.MarkFlagRequired("token")

	contributeCmd := &cmds[2]
	contributeCmd.Flags().StringP("project", "p", "", "Project id (required)")
	contributeCmd.Flags().StringSliceP("data", "d", []string{}, "Data files or directories to upload")

	monitorCmd := &cmds[3]
	monitorCmd.Flags().StringP("project", "p", "", "Project id (required)")
	monitorCmd.Flags().Duration("timeout", featurecloud.DefaultMonitorTimeout, "Longest time the project may stay running")
	monitorCmd.Flags().Duration("interval", featurecloud.DefaultMonitorInterval, "Time between status polls")
	monitorCmd.Flags().StringP("outdir", "o", "", "Download the outcome here once the run ends")

	queryCmd := &cmds[4]
	queryCmd.Flags().StringP("project", "p", "", "Project id (required)")
	queryCmd.Flags().Bool("pretty", false, "Also print a colored project summary")

	resetCmd := &cmds[5]
	resetCmd.Flags().StringP("project", "p", "", "Project id (required)")
	resetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	downloadCmd := &cmds[6]
	downloadCmd.Flags().StringP("project", "p", "", "Project id (required)")
	downloadCmd.Flags().StringP("outdir", "o", "results", "Directory to save logs and results in")

	siteCmd := &cmds[7]
	siteCmd.Flags().StringP("output", "o", filepath.Join("data", "site_info.json"), "File to write the site info to")

	return root
}

func loadFcautoClient(cmd *cobra.Command, opts []featurecloud.Option) (*fcautoClient, error) {
	username, _ := cmd.Flags().GetString("username")
	envFile, _ := cmd.Flags().GetString("env-file")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if username == "" {
		return nil, fmt.Errorf("%w: username is required", pkgerrors.ErrConfig)
	}

	environ := environMap()
	vals, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		for k, v := range vals {
			environ[k] = v
		}
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file"):
	default:
		return nil, fmt.Errorf("%w: reading %s: %w", pkgerrors.ErrConfig, envFile, err)
	}

	var cfg fcautoEnv
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: fcautoEnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrConfig, err)
	}

	secret := environ[username]
	if secret == "" {
		return nil, fmt.Errorf("%w: no credentials for %s", pkgerrors.ErrConfig, username)
	}

	logger := NewLogger(os.Stderr, cfg.LogLevel, verbose).With(slog.String("user", username))

	return &fcautoClient{
		env:      cfg,
		username: username,
		secret:   secret,
		logger:   logger,
		opts:     append([]featurecloud.Option{featurecloud.WithLogger(logger)}, opts...),
	}, nil
}

func environMap() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}

	return m
}

// expandPaths replaces every directory in paths with the regular files below
// it, in lexical order.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return files, nil
}
