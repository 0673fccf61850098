package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.opentelemetry.io/otel/attribute"
)

// WaitRunning blocks until the instance reaches the running state or the
// configured wait window (WaitTimeout) elapses.
func (p *Provisioner) WaitRunning(ctx context.Context, instanceID string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.WaitRunning")
	defer span.End()

	span.SetAttributes(
		attribute.String("ec2.instance_id", instanceID),
		attribute.String("wait.timeout", p.cfg.WaitTimeout.String()),
	)

	p.logger.Info("waiting for instance to enter running state",
		slog.String("instance_id", instanceID),
		slog.Duration("timeout", p.cfg.WaitTimeout),
	)

	start := time.Now()
	waiter := ec2.NewInstanceRunningWaiter(p.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, p.cfg.WaitTimeout); err != nil {
		p.logFailure("instance did not reach running state", kindInstance, instanceID, err)
		return fmt.Errorf("waiting for instance %s to run: %w", instanceID, err)
	}

	if p.waitDuration != nil {
		p.waitDuration.Record(ctx, time.Since(start).Seconds())
	}
	span.AddEvent("instance running")

	p.logger.Info("instance running", slog.String("instance_id", instanceID))
	return nil
}

// Terminate issues a single terminate request for the instance.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.Terminate")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", instanceID))

	p.logger.Info("terminating instance", slog.String("instance_id", instanceID))

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		p.logFailure("failed to terminate instance", kindInstance, instanceID, err)
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}

	p.recordDeleted(ctx, kindInstance)
	p.logger.Info("instance terminated", slog.String("instance_id", instanceID))
	return nil
}
