package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/terrpan/ec2-spot-runner/internal/config"
)

var stopIDs struct {
	instanceID       string
	launchTemplateID string
	fleetID          string
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate the runner instance and delete its launch template and fleet",
	Long: `stop terminates the instance, then deletes the launch template and the
fleet request.  When a GitHub token and --label are given the runner is
also removed from GitHub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStop(ctx, cmd)
	},
}

func init() {
	f := stopCmd.Flags()
	f.StringVar(&stopIDs.instanceID, "instance-id", "", "EC2 instance id published by start")
	f.StringVar(&stopIDs.launchTemplateID, "launch-template-id", "", "Launch template id published by start")
	f.StringVar(&stopIDs.fleetID, "fleet-id", "", "Fleet id published by start")
}

func runStop(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger, shutdown, err := setup(ctx, cmd.Flags(), (*config.Config).Validate)
	if err != nil {
		return err
	}
	defer shutdown()

	prov, err := cfg.NewStopProvisioner(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing provisioner: %w", err)
	}

	errs := prov.Cleanup(ctx, stopIDs.instanceID, stopIDs.launchTemplateID, stopIDs.fleetID)

	// The runner is removed from GitHub even when EC2 teardown failed.
	gh, err := cfg.NewGitHubClient(logger)
	switch {
	case err != nil:
		errs = errors.Join(errs, fmt.Errorf("creating github client: %w", err))
	case gh == nil || cfg.Runner.Label == "":
		logger.Info("no github token or label given, skipping runner removal")
	default:
		errs = errors.Join(errs, gh.RemoveRunner(ctx, cfg.Runner.Label))
	}

	if errs != nil {
		return errs
	}
	logger.Info("runner stopped", slog.String("instance_id", stopIDs.instanceID))
	return nil
}
