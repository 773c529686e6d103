package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/absmach/fedsim"
	"github.com/absmach/fedsim/featurecloud"
	"github.com/absmach/fedsim/orchestrator"
	"github.com/absmach/fedsim/pkg/events"
	"github.com/absmach/fedsim/pkg/remote"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	logLevelEnv     = "FEDSIM_LOG_LEVEL"
	shutdownTimeout = 5 * time.Second
)

func fedsimCommands() []cobra.Command {
	return []cobra.Command{
		{
			Use:   "run",
			Short: "Run a benchmark",
			Long: `Provisions the configured hosts, drives the project from creation to results
and tears the fleet down again, whatever the outcome.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Flags().GetString("config")
				verbose, _ := cmd.Flags().GetBool("verbose")
				metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

				logger := NewLogger(os.Stdout, os.Getenv(logLevelEnv), verbose)
				slog.SetDefault(logger)

				cfg, err := fedsim.LoadConfig(path)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}

				if metricsAddr == "" {
					metricsAddr = cfg.Metrics.Addr
				}
				if metricsAddr != "" {
					srv, err := serveMetrics(metricsAddr, logger)
					if err != nil {
						return err
					}
					defer func() {
						ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
						defer cancel()
						_ = srv.Shutdown(ctx)
					}()
				}

				emitter, err := newEmitter(cfg.Events, logger)
				if err != nil {
					return fmt.Errorf("failed to connect to event broker: %w", err)
				}
				defer emitter.Close(context.WithoutCancel(cmd.Context()))

				svc := orchestrator.NewService(
					*cfg,
					orchestrator.NewProvisioner(*cfg, logger),
					remote.NewSSHDialer(cfg.General.KnownHosts, 0),
					emitter,
					logger,
				)

				report, err := svc.Run(cmd.Context())
				logJSONCmd(*cmd, report)

				return err
			},
		},
		{
			Use:   "validate",
			Short: "Check a configuration file and list its clients",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Flags().GetString("config")

				cfg, err := fedsim.LoadConfig(path)
				if err != nil {
					return err
				}
				if _, err := cfg.Credentials(); err != nil {
					return err
				}

				type client struct {
					Name        string `json:"name"`
					Host        string `json:"host,omitempty"`
					Coordinator bool   `json:"coordinator"`
					FCUsername  string `json:"fc_username"`
					Data        int    `json:"data_paths"`
				}
				clients := make([]client, 0, len(cfg.Clients))
				for i, cl := range cfg.Clients {
					c := client{Name: cl.Name, Coordinator: cl.Coordinator, FCUsername: cl.FCUsername, Data: len(cl.Data)}
					if !cfg.General.Sim {
						c.Host = cfg.Hosts()[i].String()
					}
					clients = append(clients, c)
				}
				logJSONCmd(*cmd, clients)

				return nil
			},
		},
		{
			Use:   "tools",
			Short: "List the tools a project can run",
			Run: func(cmd *cobra.Command, _ []string) {
				for _, name := range featurecloud.Tools() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			},
		},
	}
}

func NewFedsimCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fedsim",
		Short:         "Federated benchmark orchestration",
		Long:          `Runs FeatureCloud benchmarks across a fleet of hosts or local VMs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmds := fedsimCommands()
	for i := range cmds {
		root.AddCommand(&cmds[i])
	}

	runCmd := &cmds[0]
	runCmd.Flags().StringP("config", "c", "config.toml", "Configuration file (TOML or YAML)")
	runCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	validateCmd := &cmds[1]
	validateCmd.Flags().StringP("config", "c", "config.toml", "Configuration file (TOML or YAML)")

	return root
}

func newEmitter(cfg fedsim.EventsConfig, logger *slog.Logger) (events.Emitter, error) {
	if cfg.MQTTURL == "" {
		return events.Noop(), nil
	}

	return events.NewMQTT(events.MQTTConfig{
		URL:      cfg.MQTTURL,
		ClientID: "fedsim-" + uuid.NewString(),
		Topic:    cfg.Topic,
		QoS:      byte(cfg.QoS),
		Encoding: events.Encoding(cfg.Encoding),
		Timeout:  cfg.ConnTimeout(),
	}, logger)
}

func serveMetrics(addr string, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout}

	go func() {
		logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	return srv, nil
}
