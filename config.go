package fedsim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/absmach/fedsim/featurecloud"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/absmach/fedsim/pkg/remote"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FEDSIM_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// envKey matches the names an env file can hold as keys.
var envKey = regexp.MustCompile(`^[\p{L}\p{N}_.]+$`)

type Config struct {
	General      GeneralConfig      `toml:"general" yaml:"general"`
	Debug        DebugConfig        `toml:"debug" yaml:"debug"`
	Vagrant      VagrantConfig      `toml:"vagrant" yaml:"vagrant"`
	FeatureCloud FeatureCloudConfig `toml:"featurecloud" yaml:"featurecloud"`
	Events       EventsConfig       `toml:"events" yaml:"events"`
	Metrics      MetricsConfig      `toml:"metrics" yaml:"metrics"`

	// Clients keeps the order in which clients appear in the file.
	Clients []ClientConfig `toml:"-" yaml:"-" validate:"min=1,dive"`
}

type GeneralConfig struct {
	Sim       bool   `toml:"sim" yaml:"sim"`
	Tool      string `toml:"tool" yaml:"tool" validate:"required_without=ProjectID"`
	ProjectID string `toml:"project_id" yaml:"project_id"`
	OutDir    string `toml:"outdir" yaml:"outdir" env:"OUTDIR" validate:"required"`
	EnvFile   string `toml:"env_file" yaml:"env_file" env:"ENV_FILE"`
	// FcautoBinary is the local fcauto build copied to every host.
	FcautoBinary string `toml:"fcauto_binary" yaml:"fcauto_binary" env:"FCAUTO_BINARY"`
	// ControllerPackage is the pip requirement providing the controller CLI.
	ControllerPackage string `toml:"controller_package" yaml:"controller_package"`
	ProvisionScript   string `toml:"provision_script" yaml:"provision_script"`
	KnownHosts        string `toml:"known_hosts" yaml:"known_hosts"`
	Concurrency       int    `toml:"concurrency" yaml:"concurrency" validate:"gte=0"`
}

type ClientConfig struct {
	Name        string   `toml:"-" yaml:"-"`
	Username    string   `toml:"username" yaml:"username"`
	Hostname    string   `toml:"hostname" yaml:"hostname"`
	Port        int      `toml:"port" yaml:"port" validate:"gte=0,lte=65535"`
	SSHKey      string   `toml:"sshkey" yaml:"sshkey"`
	Coordinator bool     `toml:"coordinator" yaml:"coordinator"`
	FCUsername  string   `toml:"fc_username" yaml:"fc_username" validate:"required"`
	Data        []string `toml:"data" yaml:"data"`
}

type DebugConfig struct {
	Reinstall bool `toml:"reinstall" yaml:"reinstall"`
	NoDeps    bool `toml:"nodeps" yaml:"nodeps"`
	// Timeout bounds, in seconds, how long a project may stay running.
	Timeout int `toml:"timeout" yaml:"timeout" validate:"gte=0"`
	// Interval is the status polling period in seconds.
	Interval int  `toml:"interval" yaml:"interval" validate:"gte=0"`
	VMOnly   bool `toml:"vmonly" yaml:"vmonly"`
}

type VagrantConfig struct {
	Box             string `toml:"box" yaml:"box"`
	Provider        string `toml:"provider" yaml:"provider" validate:"omitempty,oneof=libvirt virtualbox"`
	ProvisionScript string `toml:"provision_script" yaml:"provision_script"`
	Dir             string `toml:"dir" yaml:"dir"`
	Memory          int    `toml:"memory" yaml:"memory" validate:"gte=0"`
	CPUs            int    `toml:"cpus" yaml:"cpus" validate:"gte=0"`
}

type FeatureCloudConfig struct {
	APIURL        string `toml:"api_url" yaml:"api_url" env:"API_URL" validate:"required,url"`
	ControllerURL string `toml:"controller_url" yaml:"controller_url" env:"CONTROLLER_URL" validate:"required,url"`
}

type EventsConfig struct {
	MQTTURL  string `toml:"mqtt_url" yaml:"mqtt_url" env:"MQTT_URL"`
	Topic    string `toml:"topic" yaml:"topic"`
	Encoding string `toml:"encoding" yaml:"encoding" validate:"omitempty,oneof=json cbor"`
	QoS      int    `toml:"qos" yaml:"qos" validate:"gte=0,lte=2"`
	// Timeout is the broker connect and publish timeout in seconds.
	Timeout int `toml:"timeout" yaml:"timeout" validate:"gte=0"`
}

type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr" env:"METRICS_ADDR"`
}

// Default returns a configuration with every optional setting filled in.
func Default() Config {
	return Config{
		General: GeneralConfig{
			OutDir:            "results/",
			EnvFile:           ".env",
			FcautoBinary:      "fcauto",
			ControllerPackage: "featurecloud",
			Concurrency:       1,
		},
		Debug: DebugConfig{
			Reinstall: true,
			Timeout:   60,
			Interval:  5,
		},
		Vagrant: VagrantConfig{
			Box:             "bento/ubuntu-24.04",
			Provider:        "libvirt",
			ProvisionScript: "scripts/provision.sh",
			Dir:             ".",
			Memory:          2048,
			CPUs:            2,
		},
		FeatureCloud: FeatureCloudConfig{
			APIURL:        featurecloud.DefaultAPIURL,
			ControllerURL: featurecloud.DefaultControllerURL,
		},
		Events: EventsConfig{
			Topic:    "fedsim/events",
			Encoding: "json",
			QoS:      1,
			Timeout:  5,
		},
	}
}

// LoadConfig reads a TOML (or, by extension, YAML) file, applies FEDSIM_*
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	default:
		err = decodeTOML(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrConfig, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("%w: error applying environment: %w", pkgerrors.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	tree, err := toml.Load(string(data))
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	if err := tree.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	clients, ok := tree.Get("clients").(*toml.Tree)
	if !ok {
		return nil
	}

	names := clients.Keys()
	sort.SliceStable(names, func(i, j int) bool {
		pi, pj := clients.GetPosition(names[i]), clients.GetPosition(names[j])
		if pi.Line != pj.Line {
			return pi.Line < pj.Line
		}

		return pi.Col < pj.Col
	})

	for _, name := range names {
		sub, ok := clients.Get(name).(*toml.Tree)
		if !ok {
			return fmt.Errorf("client %q is not a table", name)
		}

		var c ClientConfig
		if err := sub.Unmarshal(&c); err != nil {
			return fmt.Errorf("error unmarshaling client %q: %w", name, err)
		}
		c.Name = name
		cfg.Clients = append(cfg.Clients, c)
	}

	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}

	root := doc.Content[0]
	if err := root.Decode(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "clients" {
			continue
		}

		clients := root.Content[i+1]
		for j := 0; j+1 < len(clients.Content); j += 2 {
			var c ClientConfig
			if err := clients.Content[j+1].Decode(&c); err != nil {
				return fmt.Errorf("error unmarshaling client %q: %w", clients.Content[j].Value, err)
			}
			c.Name = clients.Content[j].Value
			cfg.Clients = append(cfg.Clients, c)
		}
	}

	return nil
}

// Validate checks field constraints and that exactly one client coordinates.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrConfig, err)
	}

	coordinators := 0
	seen := make(map[string]string, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.Coordinator {
			coordinators++
		}

		if other, ok := seen[cl.FCUsername]; ok {
			return fmt.Errorf("%w: clients %s and %s share FeatureCloud user %s", pkgerrors.ErrConfig, other, cl.Name, cl.FCUsername)
		}
		seen[cl.FCUsername] = cl.Name

		if !envKey.MatchString(cl.FCUsername) {
			return fmt.Errorf("%w: fc_username %q of client %s must only contain letters, digits, '.' and '_' to be stored in an env file", pkgerrors.ErrConfig, cl.FCUsername, cl.Name)
		}

		if !c.General.Sim && (cl.Hostname == "" || cl.Username == "" || cl.SSHKey == "") {
			return fmt.Errorf("%w: client %s needs hostname, username and sshkey when sim is disabled", pkgerrors.ErrConfig, cl.Name)
		}
	}

	if coordinators != 1 {
		return fmt.Errorf("%w: expected exactly one coordinator, found %d", pkgerrors.ErrConfig, coordinators)
	}

	if c.General.ProjectID == "" {
		if _, err := featurecloud.ToolID(c.General.Tool); err != nil {
			return fmt.Errorf("%w: %w", pkgerrors.ErrConfig, err)
		}
	}

	return nil
}

// Credentials resolves the FeatureCloud password of every client from the
// env file, falling back to the process environment.
func (c *Config) Credentials() (map[string]string, error) {
	fromFile := map[string]string{}
	if c.General.EnvFile != "" {
		vals, err := godotenv.Read(c.General.EnvFile)
		switch {
		case err == nil:
			fromFile = vals
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: reading %s: %w", pkgerrors.ErrConfig, c.General.EnvFile, err)
		}
	}

	creds := make(map[string]string, len(c.Clients))
	var missing []string
	for _, cl := range c.Clients {
		secret, ok := fromFile[cl.FCUsername]
		if !ok {
			secret, ok = os.LookupEnv(cl.FCUsername)
		}
		if !ok || secret == "" {
			missing = append(missing, cl.FCUsername)

			continue
		}
		creds[cl.FCUsername] = secret
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no credentials for %s", pkgerrors.ErrConfig, strings.Join(missing, ", "))
	}

	return creds, nil
}

// Hosts returns the connection descriptor of every configured client.
func (c *Config) Hosts() []remote.Host {
	hosts := make([]remote.Host, 0, len(c.Clients))
	for _, cl := range c.Clients {
		hosts = append(hosts, remote.Host{
			Name:         cl.Name,
			User:         cl.Username,
			Hostname:     cl.Hostname,
			Port:         cl.Port,
			IdentityFile: cl.SSHKey,
		})
	}

	return hosts
}

func (d DebugConfig) MonitorTimeout() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

func (d DebugConfig) MonitorInterval() time.Duration {
	return time.Duration(d.Interval) * time.Second
}

func (e EventsConfig) ConnTimeout() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}
