// Package provisioner creates and tears down the single spot instance that
// backs one CI job.
//
// A start invocation creates a launch template carrying the runner boot
// script, requests one unit of spot capacity through an instant EC2 Fleet
// and returns the resulting instance id.  A stop invocation terminates the
// instance and then deletes the launch template and the fleet request.
// Nothing is persisted between the two invocations: every identifier is
// handed back to the caller, which threads it into Cleanup.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2-spot-runner/internal/userdata"
)

// DefaultWaitTimeout bounds WaitRunning.
const DefaultWaitTimeout = 300 * time.Second

// Output keys under which identifiers are reported as they are produced.
const (
	KeyLabel            = "label"
	KeyLaunchTemplateID = "launch-template-id"
	KeyFleetID          = "fleet-id"
	KeyInstanceID       = "ec2-instance-id"
)

// Resource kinds used in logs and metrics.
const (
	kindLaunchTemplate = "launch_template"
	kindFleet          = "fleet"
	kindInstance       = "instance"
)

var (
	// ErrNoLaunchTemplateID is returned when EC2 accepts a launch template
	// request but hands back no identifier.
	ErrNoLaunchTemplateID = errors.New("no launch template id returned")

	// ErrNoInstance is returned when the fleet request yields no instance.
	ErrNoInstance = errors.New("fleet returned no instance")
)

// Config is the provisioning configuration.  It is read-only once passed
// to New.
type Config struct {
	// ImageID is the AMI the runner boots from (required).
	ImageID string

	// InstanceTypes and SubnetIDs are crossed to form the fleet's
	// candidate placements.  Both must be non-empty.
	InstanceTypes []string
	SubnetIDs     []string

	// SecurityGroupID is attached to the instance (required).
	SecurityGroupID string

	// IAMInstanceProfile is the instance profile name (optional).
	IAMInstanceProfile string

	// Tags are applied to the launch template, the fleet and the instance.
	Tags map[string]string

	// UserData controls how the runner is installed on the instance.
	UserData userdata.Config

	// WaitTimeout bounds WaitRunning.  Default: DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// Validate checks the invariants New relies on.
func (c Config) Validate() error {
	if c.ImageID == "" {
		return fmt.Errorf("image id is required")
	}
	if len(c.InstanceTypes) == 0 {
		return fmt.Errorf("at least one instance type is required")
	}
	if len(c.SubnetIDs) == 0 {
		return fmt.Errorf("at least one subnet id is required")
	}
	if c.SecurityGroupID == "" {
		return fmt.Errorf("security group id is required")
	}
	return nil
}

// Result holds the identifiers produced by Start.  On a failed Start it
// carries whatever was created before the failure.
type Result struct {
	Label            string
	LaunchTemplateID string
	FleetID          string
	InstanceID       string
}

// Reporter receives identifiers as soon as they exist so the caller can
// persist them across the start/stop boundary.
type Reporter func(key, value string)

// Provisioner drives the EC2 calls for one runner.
type Provisioner struct {
	client ec2API
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	resourcesCreated metric.Int64Counter
	resourcesDeleted metric.Int64Counter
	waitDuration     metric.Float64Histogram
}

// New creates a Provisioner backed by an EC2 client for region.
func New(ctx context.Context, region string, cfg Config, logger *slog.Logger) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, region)
	if err != nil {
		return nil, err
	}

	p := newProvisioner(client, cfg, logger)
	p.logger.Info("provisioner initialized",
		slog.String("region", region),
		slog.String("image", cfg.ImageID),
		slog.Any("instance_types", cfg.InstanceTypes),
		slog.Any("subnets", cfg.SubnetIDs),
	)
	return p, nil
}

// NewForTeardown creates a Provisioner that is only used for Cleanup.
// Launch settings are not needed and are not validated.
func NewForTeardown(ctx context.Context, region string, logger *slog.Logger) (*Provisioner, error) {
	client, err := NewClient(ctx, region)
	if err != nil {
		return nil, err
	}
	return newProvisioner(client, Config{}, logger), nil
}

// newProvisioner wires a Provisioner around an existing client.  It
// applies defaults but does not validate.
func newProvisioner(client ec2API, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Provisioner{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("spotrunner/provisioner"),
		meter:  otel.Meter("spotrunner/provisioner"),
	}

	// Metric creation errors are logged but not fatal.
	var err error
	p.resourcesCreated, err = p.meter.Int64Counter(
		"spotrunner.resources.created",
		metric.WithDescription("Total number of EC2 resources created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create resourcesCreated counter", slog.String("error", err.Error()))
	}

	p.resourcesDeleted, err = p.meter.Int64Counter(
		"spotrunner.resources.deleted",
		metric.WithDescription("Total number of EC2 resources deleted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create resourcesDeleted counter", slog.String("error", err.Error()))
	}

	p.waitDuration, err = p.meter.Float64Histogram(
		"spotrunner.instance.wait.duration",
		metric.WithDescription("Time for an instance to reach the running state (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create waitDuration histogram", slog.String("error", err.Error()))
	}

	return p
}

// Start runs the create path: launch template, then fleet request.  It
// does not wait for the instance; call WaitRunning for that.
//
// If the fleet request fails the launch template is left in place and its
// id is part of the returned Result, for the caller to pass to Cleanup.
func (p *Provisioner) Start(ctx context.Context, label, token string, report Reporter) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "provisioner.Start")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))

	if report == nil {
		report = func(string, string) {}
	}
	res := Result{Label: label}

	ltID, err := p.CreateLaunchTemplate(ctx, label, token)
	if err != nil {
		return res, err
	}
	res.LaunchTemplateID = ltID
	report(KeyLaunchTemplateID, ltID)

	fleetID, instanceID, err := p.RequestFleet(ctx, ltID)
	if fleetID != "" {
		res.FleetID = fleetID
		report(KeyFleetID, fleetID)
	}
	if err != nil {
		return res, err
	}
	res.InstanceID = instanceID
	report(KeyInstanceID, instanceID)

	return res, nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// logFailure logs err with the resource it concerns.
func (p *Provisioner) logFailure(msg, kind, id string, err error) {
	attrs := []any{
		slog.String("resource", kind),
		slog.String("id", id),
		slog.String("error", err.Error()),
	}
	if code := apiErrorCode(err); code != "" {
		attrs = append(attrs, slog.String("error_code", code))
	}
	p.logger.Error(msg, attrs...)
}

func (p *Provisioner) recordCreated(ctx context.Context, kind string) {
	if p.resourcesCreated != nil {
		p.resourcesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (p *Provisioner) recordDeleted(ctx context.Context, kind string) {
	if p.resourcesDeleted != nil {
		p.resourcesDeleted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
