package provisioner

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
)

// Cleanup tears down everything Start created, in order:
//
//  1. terminate the instance; on failure nothing else is attempted
//  2. delete the launch template
//  3. delete the fleet request
//
// Steps 2 and 3 are independent: both run once termination succeeded and
// their errors are joined.  Any empty id skips its step with a notice,
// so Cleanup can be fed the partial Result of a failed Start.
func (p *Provisioner) Cleanup(ctx context.Context, instanceID, launchTemplateID, fleetID string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.Cleanup")
	defer span.End()

	span.SetAttributes(
		attribute.String("ec2.instance_id", instanceID),
		attribute.String("ec2.launch_template_id", launchTemplateID),
		attribute.String("ec2.fleet_id", fleetID),
	)

	if instanceID == "" {
		p.logger.Info("no instance id given, skipping instance termination")
	} else if err := p.Terminate(ctx, instanceID); err != nil {
		return err
	}

	return errors.Join(
		p.DeleteLaunchTemplate(ctx, launchTemplateID),
		p.DeleteFleet(ctx, fleetID),
	)
}
