package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/terrpan/ec2-spot-runner/internal/buildinfo"
	"github.com/terrpan/ec2-spot-runner/internal/config"
	spototel "github.com/terrpan/ec2-spot-runner/internal/otel"
)

const serviceName = "spotrunner"

var (
	cfgPath       string
	flagOverrides config.Config

	// waitForRegistration backs the tri-state runner.wait_for_registration.
	waitForRegistration bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "On-demand EC2 spot instances as self-hosted GitHub Actions runners",
	Long: `spotrunner launches a single EC2 spot instance that registers itself as
a self-hosted GitHub Actions runner for one job, and tears it down again.

Run "spotrunner start" before the job and "spotrunner stop" after it,
passing the identifiers start published (label, launch-template-id,
fleet-id, ec2-instance-id) to stop.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for every setting.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Get(serviceName))
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "github-url", "", "Repository or organization the runner registers against (e.g. https://github.com/org/repo)")
	f.StringVar(&flagOverrides.GitHub.APIURL, "github-api-url", "", "GitHub REST API base URL")
	f.StringVar(&flagOverrides.GitHub.Token, "github-token", "", "Token used to fetch registration tokens and manage runners")

	// AWS overrides
	f.StringVar(&flagOverrides.AWS.Region, "region", "", "AWS region (default: from the AWS environment)")

	// Runner overrides shared by start and stop
	f.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner label (generated on start when empty)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// OTel overrides
	f.BoolVar(&flagOverrides.OTel.Enabled, "otel", false, "Enable OTLP export of traces and metrics")
	f.StringVar(&flagOverrides.OTel.Endpoint, "otel-endpoint", "", "OTLP HTTP endpoint (e.g. localhost:4318)")
	f.StringVar(&flagOverrides.OTel.PushGateway, "pushgateway", "", "Prometheus Pushgateway URL metrics are pushed to on exit")

	rootCmd.AddCommand(startCmd, stopCmd, versionCmd)
}

// applyFlagOverrides merges CLI flag values into the loaded config.
// Strings and lists override when non-empty, booleans when set explicitly.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.APIURL != "" {
		cfg.GitHub.APIURL = flagOverrides.GitHub.APIURL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.RegistrationToken != "" {
		cfg.GitHub.RegistrationToken = flagOverrides.GitHub.RegistrationToken
	}
	if flagOverrides.AWS.Region != "" {
		cfg.AWS.Region = flagOverrides.AWS.Region
	}
	if flagOverrides.AWS.ImageID != "" {
		cfg.AWS.ImageID = flagOverrides.AWS.ImageID
	}
	if len(flagOverrides.AWS.InstanceTypes) > 0 {
		cfg.AWS.InstanceTypes = flagOverrides.AWS.InstanceTypes
	}
	if len(flagOverrides.AWS.SubnetIDs) > 0 {
		cfg.AWS.SubnetIDs = flagOverrides.AWS.SubnetIDs
	}
	if flagOverrides.AWS.SecurityGroupID != "" {
		cfg.AWS.SecurityGroupID = flagOverrides.AWS.SecurityGroupID
	}
	if flagOverrides.AWS.IAMInstanceProfile != "" {
		cfg.AWS.IAMInstanceProfile = flagOverrides.AWS.IAMInstanceProfile
	}
	if len(flagOverrides.AWS.Tags) > 0 {
		if cfg.AWS.Tags == nil {
			cfg.AWS.Tags = make(map[string]string, len(flagOverrides.AWS.Tags))
		}
		for k, v := range flagOverrides.AWS.Tags {
			cfg.AWS.Tags[k] = v
		}
	}
	if flagOverrides.Runner.Label != "" {
		cfg.Runner.Label = flagOverrides.Runner.Label
	}
	if flagOverrides.Runner.HomeDir != "" {
		cfg.Runner.HomeDir = flagOverrides.Runner.HomeDir
	}
	if flagOverrides.Runner.PreRunnerScript != "" {
		cfg.Runner.PreRunnerScript = flagOverrides.Runner.PreRunnerScript
	}
	if flagOverrides.Runner.RunAsUser != "" {
		cfg.Runner.RunAsUser = flagOverrides.Runner.RunAsUser
	}
	if flags.Changed("run-as-service") {
		cfg.Runner.RunAsService = flagOverrides.Runner.RunAsService
	}
	if flagOverrides.Runner.Version != "" {
		cfg.Runner.Version = flagOverrides.Runner.Version
	}
	if flagOverrides.Runner.WaitTimeout != 0 {
		cfg.Runner.WaitTimeout = flagOverrides.Runner.WaitTimeout
	}
	if flagOverrides.Runner.RegistrationTimeout != 0 {
		cfg.Runner.RegistrationTimeout = flagOverrides.Runner.RegistrationTimeout
	}
	if flags.Changed("wait-for-registration") {
		wait := waitForRegistration
		cfg.Runner.WaitForRegistration = &wait
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flags.Changed("otel") {
		cfg.OTel.Enabled = flagOverrides.OTel.Enabled
	}
	if flagOverrides.OTel.Endpoint != "" {
		cfg.OTel.Endpoint = flagOverrides.OTel.Endpoint
	}
	if flagOverrides.OTel.PushGateway != "" {
		cfg.OTel.PushGateway = flagOverrides.OTel.PushGateway
	}
}

// setup loads and validates the configuration, then creates the logger and
// the OpenTelemetry SDK.  The returned shutdown flushes telemetry and must
// be deferred by the caller.
func setup(ctx context.Context, flags *pflag.FlagSet, validate func(*config.Config) error) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(flags, cfg)

	if err := validate(cfg); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	otelShutdown, err := spototel.SetupOTelSDK(ctx, serviceName, cfg.OTelSettings())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setting up opentelemetry: %w", err)
	}

	logger := spototel.Logger(cfg.NewLogger(), serviceName, cfg.OTelSettings())
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("region", cfg.AWS.Region),
	)

	shutdown := func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to shut down opentelemetry", slog.String("error", err.Error()))
		}
	}
	return cfg, logger, shutdown, nil
}
