package provisioner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ec2-spot-runner/internal/userdata"
)

// launchTemplatePrefix prefixes generated launch template names.
const launchTemplatePrefix = "spot-runner-"

// CreateLaunchTemplate creates a uniquely named launch template whose user
// data registers a runner with label and token.  It returns the template id.
func (p *Provisioner) CreateLaunchTemplate(ctx context.Context, label, token string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provisioner.CreateLaunchTemplate")
	defer span.End()

	name := launchTemplatePrefix + uuid.NewString()
	span.SetAttributes(
		attribute.String("ec2.launch_template_name", name),
		attribute.String("ec2.image_id", p.cfg.ImageID),
	)

	tags := toTags(label, p.cfg.Tags)
	data := &types.RequestLaunchTemplateData{
		ImageId:          aws.String(p.cfg.ImageID),
		SecurityGroupIds: []string{p.cfg.SecurityGroupID},
		UserData:         aws.String(userdata.Encode(userdata.Build(token, label, p.cfg.UserData))),
		TagSpecifications: []types.LaunchTemplateTagSpecificationRequest{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
		},
	}
	if p.cfg.IAMInstanceProfile != "" {
		data.IamInstanceProfile = &types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Name: aws.String(p.cfg.IAMInstanceProfile),
		}
	}

	p.logger.Info("creating launch template",
		slog.String("name", name),
		slog.String("label", label),
	)

	out, err := p.client.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		LaunchTemplateData: data,
		TagSpecifications:  tagSpecification(types.ResourceTypeLaunchTemplate, tags),
	})
	if err != nil {
		p.logFailure("failed to create launch template", kindLaunchTemplate, name, err)
		return "", fmt.Errorf("create launch template %s: %w", name, err)
	}
	if out == nil || out.LaunchTemplate == nil || aws.ToString(out.LaunchTemplate.LaunchTemplateId) == "" {
		p.logFailure("failed to create launch template", kindLaunchTemplate, name, ErrNoLaunchTemplateID)
		return "", fmt.Errorf("create launch template %s: %w", name, ErrNoLaunchTemplateID)
	}

	id := aws.ToString(out.LaunchTemplate.LaunchTemplateId)
	span.SetAttributes(attribute.String("ec2.launch_template_id", id))
	p.recordCreated(ctx, kindLaunchTemplate)

	p.logger.Info("launch template created",
		slog.String("name", name),
		slog.String("id", id),
	)
	return id, nil
}

// DeleteLaunchTemplate deletes the launch template with the given id.  An
// empty id is a no-op so teardown can run after a partial start.
func (p *Provisioner) DeleteLaunchTemplate(ctx context.Context, id string) error {
	if id == "" {
		p.logger.Info("no launch template id given, skipping launch template deletion")
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "provisioner.DeleteLaunchTemplate")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.launch_template_id", id))

	p.logger.Info("deleting launch template", slog.String("id", id))

	if _, err := p.client.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
		LaunchTemplateId: aws.String(id),
	}); err != nil {
		p.logFailure("failed to delete launch template", kindLaunchTemplate, id, err)
		return fmt.Errorf("delete launch template %s: %w", id, err)
	}

	p.recordDeleted(ctx, kindLaunchTemplate)
	p.logger.Info("launch template deleted", slog.String("id", id))
	return nil
}
