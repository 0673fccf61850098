package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel/attribute"
)

// Overrides returns one fleet override per (instance type, subnet) pair,
// instance types in the outer loop.
func Overrides(instanceTypes, subnetIDs []string) []types.FleetLaunchTemplateOverridesRequest {
	overrides := make([]types.FleetLaunchTemplateOverridesRequest, 0, len(instanceTypes)*len(subnetIDs))
	for _, it := range instanceTypes {
		for _, subnet := range subnetIDs {
			overrides = append(overrides, types.FleetLaunchTemplateOverridesRequest{
				InstanceType: types.InstanceType(it),
				SubnetId:     aws.String(subnet),
			})
		}
	}
	return overrides
}

// RequestFleet asks for one spot instance from the launch template using
// an instant fleet: capacity is either granted synchronously or the
// request fails.  The fleet id is returned whenever EC2 created one, even
// alongside an error, so the caller can clean it up.
func (p *Provisioner) RequestFleet(ctx context.Context, launchTemplateID string) (fleetID, instanceID string, err error) {
	ctx, span := p.tracer.Start(ctx, "provisioner.RequestFleet")
	defer span.End()

	overrides := Overrides(p.cfg.InstanceTypes, p.cfg.SubnetIDs)
	span.SetAttributes(
		attribute.String("ec2.launch_template_id", launchTemplateID),
		attribute.Int("ec2.fleet.overrides", len(overrides)),
	)

	p.logger.Info("requesting spot fleet",
		slog.String("launch_template_id", launchTemplateID),
		slog.Int("candidates", len(overrides)),
	)

	out, err := p.client.CreateFleet(ctx, &ec2.CreateFleetInput{
		Type: types.FleetTypeInstant,
		LaunchTemplateConfigs: []types.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateId: aws.String(launchTemplateID),
				Version:          aws.String("$Default"),
			},
			Overrides: overrides,
		}},
		TargetCapacitySpecification: &types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity:       aws.Int32(1),
			DefaultTargetCapacityType: types.DefaultTargetCapacityTypeSpot,
		},
		SpotOptions: &types.SpotOptionsRequest{
			AllocationStrategy: types.SpotAllocationStrategyPriceCapacityOptimized,
		},
		TagSpecifications: tagSpecification(types.ResourceTypeFleet, toTags(launchTemplatePrefix+"fleet", p.cfg.Tags)),
	})
	if err != nil {
		p.logFailure("failed to create fleet", kindFleet, launchTemplateID, err)
		return "", "", fmt.Errorf("create fleet for launch template %s: %w", launchTemplateID, err)
	}

	fleetID = aws.ToString(out.FleetId)
	span.SetAttributes(attribute.String("ec2.fleet_id", fleetID))
	if fleetID != "" {
		p.recordCreated(ctx, kindFleet)
	}

	for _, inst := range out.Instances {
		if len(inst.InstanceIds) > 0 {
			instanceID = inst.InstanceIds[0]
			break
		}
	}
	if instanceID == "" {
		err := fleetErrors(out.Errors)
		p.logFailure("fleet returned no instance", kindFleet, fleetID, err)
		return fleetID, "", fmt.Errorf("fleet %s: %w", fleetID, err)
	}

	span.SetAttributes(attribute.String("ec2.instance_id", instanceID))
	p.recordCreated(ctx, kindInstance)

	p.logger.Info("spot instance launched",
		slog.String("fleet_id", fleetID),
		slog.String("instance_id", instanceID),
	)
	return fleetID, instanceID, nil
}

// DeleteFleet deletes the fleet request.  An empty id is a no-op.
// Instant fleets can only be deleted together with their instances, so
// TerminateInstances is always set; by the time teardown gets here the
// instance is already terminated.
func (p *Provisioner) DeleteFleet(ctx context.Context, fleetID string) error {
	if fleetID == "" {
		p.logger.Info("no fleet id given, skipping fleet deletion")
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "provisioner.DeleteFleet")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.fleet_id", fleetID))

	p.logger.Info("deleting fleet", slog.String("id", fleetID))

	out, err := p.client.DeleteFleets(ctx, &ec2.DeleteFleetsInput{
		FleetIds:           []string{fleetID},
		TerminateInstances: aws.Bool(true),
	})
	if err != nil {
		p.logFailure("failed to delete fleet", kindFleet, fleetID, err)
		return fmt.Errorf("delete fleet %s: %w", fleetID, err)
	}

	if out != nil && len(out.UnsuccessfulFleetDeletions) > 0 {
		var msgs []string
		for _, u := range out.UnsuccessfulFleetDeletions {
			if u.Error != nil {
				msgs = append(msgs, fmt.Sprintf("%s: %s", u.Error.Code, aws.ToString(u.Error.Message)))
			}
		}
		err := errors.New(strings.Join(msgs, "; "))
		p.logFailure("failed to delete fleet", kindFleet, fleetID, err)
		return fmt.Errorf("delete fleet %s: %w", fleetID, err)
	}

	p.recordDeleted(ctx, kindFleet)
	p.logger.Info("fleet deleted", slog.String("id", fleetID))
	return nil
}

// fleetErrors folds the per-pool errors of an instant fleet into one error
// wrapping ErrNoInstance.
func fleetErrors(errs []types.CreateFleetError) error {
	if len(errs) == 0 {
		return ErrNoInstance
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := aws.ToString(e.ErrorCode)
		if e.ErrorMessage != nil {
			msg += ": " + aws.ToString(e.ErrorMessage)
		}
		if e.LaunchTemplateAndOverrides != nil && e.LaunchTemplateAndOverrides.Overrides != nil {
			o := e.LaunchTemplateAndOverrides.Overrides
			msg = fmt.Sprintf("%s/%s %s", o.InstanceType, aws.ToString(o.SubnetId), msg)
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrNoInstance, strings.Join(msgs, "; "))
}
