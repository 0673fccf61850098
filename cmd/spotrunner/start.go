package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terrpan/ec2-spot-runner/internal/config"
	"github.com/terrpan/ec2-spot-runner/internal/outputs"
	"github.com/terrpan/ec2-spot-runner/internal/provisioner"
)

// registrationPollInterval is how often start asks GitHub whether the
// runner is online.
const registrationPollInterval = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch a spot instance and register it as a runner",
	Long: `start creates a launch template carrying the runner boot script,
requests one spot instance through an instant EC2 Fleet and waits for it
to run.  Every identifier is published as a job output as soon as it
exists so that stop can clean up even after a partial failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStart(ctx, cmd)
	},
}

func init() {
	f := startCmd.Flags()

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.RegistrationToken, "registration-token", "", "Runner registration token (fetched with --github-token when empty)")

	// AWS overrides
	f.StringVar(&flagOverrides.AWS.ImageID, "image-id", "", "AMI id")
	f.StringSliceVar(&flagOverrides.AWS.InstanceTypes, "instance-types", nil, "Candidate instance types (comma-separated)")
	f.StringSliceVar(&flagOverrides.AWS.SubnetIDs, "subnet-ids", nil, "Candidate subnet ids (comma-separated)")
	f.StringVar(&flagOverrides.AWS.SecurityGroupID, "security-group-id", "", "Security group id")
	f.StringVar(&flagOverrides.AWS.IAMInstanceProfile, "iam-instance-profile", "", "IAM instance profile name")
	f.StringToStringVar(&flagOverrides.AWS.Tags, "tags", nil, "Tags applied to created resources (key=value,...)")

	// Runner overrides
	f.StringVar(&flagOverrides.Runner.HomeDir, "runner-home-dir", "", "Directory of a runner pre-installed in the image")
	f.StringVar(&flagOverrides.Runner.PreRunnerScript, "pre-runner-script", "", "Script sourced before the runner is configured")
	f.StringVar(&flagOverrides.Runner.RunAsUser, "run-as-user", "", "User the runner runs as")
	f.BoolVar(&flagOverrides.Runner.RunAsService, "run-as-service", false, "Install the runner as a service")
	f.StringVar(&flagOverrides.Runner.Version, "runner-version", "", "actions/runner release to download")
	f.DurationVar(&flagOverrides.Runner.WaitTimeout, "wait-timeout", 0, "How long to wait for the instance to run")
	f.DurationVar(&flagOverrides.Runner.RegistrationTimeout, "registration-timeout", 0, "How long to wait for the runner to come online")
	f.BoolVar(&waitForRegistration, "wait-for-registration", false, "Wait for the runner to come online (default: true with --github-token)")
}

// resolveLabel returns label, or a generated one when it is empty.
func resolveLabel(label string) string {
	if label != "" {
		return label
	}
	return "runner-" + uuid.NewString()[:8]
}

func runStart(ctx context.Context, cmd *cobra.Command) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, logger, shutdown, err := setup(ctx, cmd.Flags(), (*config.Config).ValidateStart)
	if err != nil {
		return err
	}
	defer shutdown()

	out := outputs.FromEnv(logger.WithGroup("outputs"))

	label := resolveLabel(cfg.Runner.Label)
	out.Report(provisioner.KeyLabel, label)
	logger.Info("starting runner", slog.String("label", label))

	// ---------------------------------------------------------------
	// 2. Resolve registration token
	// ---------------------------------------------------------------
	gh, err := cfg.NewGitHubClient(logger)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	token := cfg.GitHub.RegistrationToken
	if token == "" {
		token, err = gh.RegistrationToken(ctx)
		if err != nil {
			return err
		}
	}

	// ---------------------------------------------------------------
	// 3. Launch template + fleet
	// ---------------------------------------------------------------
	prov, err := cfg.NewProvisioner(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing provisioner: %w", err)
	}

	res, err := prov.Start(ctx, label, token, out.Report)
	if err != nil {
		logger.Error("start failed, run stop with the published ids to clean up",
			slog.String("launch_template_id", res.LaunchTemplateID),
			slog.String("fleet_id", res.FleetID),
		)
		return err
	}

	// ---------------------------------------------------------------
	// 4. Wait for the instance and the runner
	// ---------------------------------------------------------------
	if err := prov.WaitRunning(ctx, res.InstanceID); err != nil {
		return err
	}

	if *cfg.Runner.WaitForRegistration {
		if err := gh.WaitOnline(ctx, label, registrationPollInterval, cfg.Runner.RegistrationTimeout); err != nil {
			return err
		}
	}

	logger.Info("runner started",
		slog.String("label", label),
		slog.String("instance_id", res.InstanceID),
		slog.String("launch_template_id", res.LaunchTemplateID),
		slog.String("fleet_id", res.FleetID),
	)
	return nil
}
