// Package config handles loading, validating, and applying
// configuration for the spot runner.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/ec2-spot-runner/internal/github"
	spototel "github.com/terrpan/ec2-spot-runner/internal/otel"
	"github.com/terrpan/ec2-spot-runner/internal/provisioner"
	"github.com/terrpan/ec2-spot-runner/internal/userdata"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	AWS     AWSConfig     `yaml:"aws"`
	Runner  RunnerConfig  `yaml:"runner"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds the registration target and credentials.
type GitHubConfig struct {
	// URL is the repository or organization the runner registers
	// against (e.g. https://github.com/org/repo).
	URL string `yaml:"url"`

	// APIURL is the REST API base.  Default: https://api.github.com.
	APIURL string `yaml:"api_url"`

	// Token is used to fetch a registration token, to wait for the
	// runner to come online and to remove it on stop.
	Token string `yaml:"token"`

	// RegistrationToken skips the token request when set.
	RegistrationToken string `yaml:"registration_token"`
}

// ---------------------------------------------------------------------------
// AWS
// ---------------------------------------------------------------------------

// AWSConfig describes where and how the spot instance is launched.
//
// Credentials come from the default AWS chain (environment, shared
// config, web identity, instance role).
type AWSConfig struct {
	// Region overrides AWS_REGION / the shared config region.
	Region string `yaml:"region"`

	// ImageID is the AMI id (required for start).
	ImageID string `yaml:"image_id"`

	// InstanceTypes are candidate instance types.  Entries may be
	// comma-separated lists (e.g. "t3.micro,t3.small").
	InstanceTypes []string `yaml:"instance_types"`

	// SubnetIDs are candidate subnets.  Entries may be comma-separated.
	SubnetIDs []string `yaml:"subnet_ids"`

	// SecurityGroupID is attached to the instance (required for start).
	SecurityGroupID string `yaml:"security_group_id"`

	// IAMInstanceProfile is the instance profile name (optional).
	IAMInstanceProfile string `yaml:"iam_instance_profile"`

	// Tags are applied to every created resource.
	Tags map[string]string `yaml:"tags"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig controls how the runner is installed and tracked.
type RunnerConfig struct {
	// Label identifies the runner.  Generated on start when empty.
	Label string `yaml:"label"`

	// HomeDir points at a runner pre-installed in the image.
	HomeDir string `yaml:"home_dir"`

	// PreRunnerScript is sourced before the runner is configured.
	PreRunnerScript string `yaml:"pre_runner_script"`

	// RunAsUser runs the runner as this user.
	RunAsUser string `yaml:"run_as_user"`

	// RunAsService installs the runner as a systemd service.
	RunAsService bool `yaml:"run_as_service"`

	// Version pins the downloaded actions/runner release.
	Version string `yaml:"version"`

	// WaitTimeout bounds the wait for the instance to run.  Default: 5m.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// RegistrationTimeout bounds the wait for the runner to come online.
	// Default: 5m.  Zero after defaults disables the wait.
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`

	// WaitForRegistration controls whether start waits for the runner
	// to show up online.  Default: true when a GitHub token is set.
	WaitForRegistration *bool `yaml:"wait_for_registration"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled turns on OTLP export of traces and metrics.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PushGateway is a Prometheus Pushgateway URL metrics are pushed to
	// when the command exits (optional).
	PushGateway string `yaml:"pushgateway"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config to be filled by flag overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields and normalizes
// comma-separated lists.
func (c *Config) ApplyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = github.DefaultAPIURL
	}
	c.AWS.InstanceTypes = splitList(c.AWS.InstanceTypes)
	c.AWS.SubnetIDs = splitList(c.AWS.SubnetIDs)
	if c.Runner.Version == "" {
		c.Runner.Version = userdata.DefaultRunnerVersion
	}
	if c.Runner.WaitTimeout == 0 {
		c.Runner.WaitTimeout = provisioner.DefaultWaitTimeout
	}
	if c.Runner.RegistrationTimeout == 0 {
		c.Runner.RegistrationTimeout = 5 * time.Minute
	}
	if c.Runner.WaitForRegistration == nil {
		w := c.GitHub.Token != ""
		c.Runner.WaitForRegistration = &w
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the settings shared by start and stop.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.URL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
			return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

// ValidateStart checks everything start needs on top of Validate.
func (c *Config) ValidateStart() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.GitHub.URL == "" {
		return fmt.Errorf("github.url is required")
	}
	if c.GitHub.Token == "" && c.GitHub.RegistrationToken == "" {
		return fmt.Errorf("no credentials: provide github.token or github.registration_token")
	}
	if *c.Runner.WaitForRegistration && c.GitHub.Token == "" {
		return fmt.Errorf("runner.wait_for_registration requires github.token")
	}
	if c.AWS.ImageID == "" {
		return fmt.Errorf("aws.image_id is required")
	}
	if len(c.AWS.InstanceTypes) == 0 {
		return fmt.Errorf("aws.instance_types must list at least one instance type")
	}
	if len(c.AWS.SubnetIDs) == 0 {
		return fmt.Errorf("aws.subnet_ids must list at least one subnet")
	}
	if c.AWS.SecurityGroupID == "" {
		return fmt.Errorf("aws.security_group_id is required")
	}
	return nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, v := range strings.Split(entry, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProvisionerConfig maps the file/flag configuration onto the
// provisioner's immutable Config.
func (c *Config) ProvisionerConfig() provisioner.Config {
	return provisioner.Config{
		ImageID:            c.AWS.ImageID,
		InstanceTypes:      c.AWS.InstanceTypes,
		SubnetIDs:          c.AWS.SubnetIDs,
		SecurityGroupID:    c.AWS.SecurityGroupID,
		IAMInstanceProfile: c.AWS.IAMInstanceProfile,
		Tags:               c.AWS.Tags,
		WaitTimeout:        c.Runner.WaitTimeout,
		UserData: userdata.Config{
			GitHubURL:       c.GitHub.URL,
			HomeDir:         c.Runner.HomeDir,
			PreRunnerScript: c.Runner.PreRunnerScript,
			RunAsUser:       c.Runner.RunAsUser,
			RunAsService:    c.Runner.RunAsService,
			RunnerVersion:   c.Runner.Version,
		},
	}
}

// NewProvisioner creates the EC2 provisioner.
func (c *Config) NewProvisioner(ctx context.Context, logger *slog.Logger) (*provisioner.Provisioner, error) {
	return provisioner.New(ctx, c.AWS.Region, c.ProvisionerConfig(), logger.WithGroup("provisioner"))
}

// NewStopProvisioner creates a provisioner for teardown only.  Teardown
// needs no launch settings, so validation is skipped.
func (c *Config) NewStopProvisioner(ctx context.Context, logger *slog.Logger) (*provisioner.Provisioner, error) {
	return provisioner.NewForTeardown(ctx, c.AWS.Region, logger.WithGroup("provisioner"))
}

// NewGitHubClient creates the GitHub API client, or returns nil when no
// token or URL is configured.
func (c *Config) NewGitHubClient(logger *slog.Logger) (*github.Client, error) {
	if c.GitHub.Token == "" || c.GitHub.URL == "" {
		return nil, nil
	}
	return github.New(github.Config{
		URL:    c.GitHub.URL,
		APIURL: c.GitHub.APIURL,
		Token:  c.GitHub.Token,
	}, logger.WithGroup("github"))
}

// OTelSettings maps the OTel section onto the otel package config.
func (c *Config) OTelSettings() spototel.Config {
	return spototel.Config{
		Enabled:     c.OTel.Enabled,
		Endpoint:    c.OTel.Endpoint,
		Insecure:    c.OTel.Insecure,
		StdOut:      c.OTel.StdOut,
		PushGateway: c.OTel.PushGateway,
	}
}
