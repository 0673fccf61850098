package provisioner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ec2-spot-runner/internal/userdata"
)

// ---------------------------------------------------------------------------
// Mock EC2 client (satisfies ec2API)
// ---------------------------------------------------------------------------

type mockEC2 struct {
	mu sync.Mutex

	calls []string // method names in call order

	createLTCalls  []*ec2.CreateLaunchTemplateInput
	deleteLTCalls  []*ec2.DeleteLaunchTemplateInput
	createFleet    []*ec2.CreateFleetInput
	deleteFleets   []*ec2.DeleteFleetsInput
	terminateCalls []*ec2.TerminateInstancesInput
	describeCalls  int

	createLTErr    error
	createLTOut    *ec2.CreateLaunchTemplateOutput
	deleteLTErr    error
	createFleetErr error
	createFleetOut *ec2.CreateFleetOutput
	deleteFleetErr error
	deleteFleetOut *ec2.DeleteFleetsOutput
	terminateErr   error
	instanceState  types.InstanceStateName
}

func newMockEC2() *mockEC2 {
	return &mockEC2{
		createLTOut: &ec2.CreateLaunchTemplateOutput{
			LaunchTemplate: &types.LaunchTemplate{LaunchTemplateId: aws.String("lt-0123")},
		},
		createFleetOut: &ec2.CreateFleetOutput{
			FleetId: aws.String("fleet-0123"),
			Instances: []types.CreateFleetInstance{
				{InstanceIds: []string{"i-0123"}},
			},
		},
		deleteFleetOut: &ec2.DeleteFleetsOutput{},
		instanceState:  types.InstanceStateNameRunning,
	}
}

func (m *mockEC2) CreateLaunchTemplate(_ context.Context, in *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "CreateLaunchTemplate")
	m.createLTCalls = append(m.createLTCalls, in)
	if m.createLTErr != nil {
		return nil, m.createLTErr
	}
	return m.createLTOut, nil
}

func (m *mockEC2) DeleteLaunchTemplate(_ context.Context, in *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "DeleteLaunchTemplate")
	m.deleteLTCalls = append(m.deleteLTCalls, in)
	if m.deleteLTErr != nil {
		return nil, m.deleteLTErr
	}
	return &ec2.DeleteLaunchTemplateOutput{}, nil
}

func (m *mockEC2) CreateFleet(_ context.Context, in *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "CreateFleet")
	m.createFleet = append(m.createFleet, in)
	if m.createFleetErr != nil {
		return nil, m.createFleetErr
	}
	return m.createFleetOut, nil
}

func (m *mockEC2) DeleteFleets(_ context.Context, in *ec2.DeleteFleetsInput, _ ...func(*ec2.Options)) (*ec2.DeleteFleetsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "DeleteFleets")
	m.deleteFleets = append(m.deleteFleets, in)
	if m.deleteFleetErr != nil {
		return nil, m.deleteFleetErr
	}
	return m.deleteFleetOut, nil
}

func (m *mockEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "TerminateInstances")
	m.terminateCalls = append(m.terminateCalls, in)
	if m.terminateErr != nil {
		return nil, m.terminateErr
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId: aws.String(in.InstanceIds[0]),
				State:      &types.InstanceState{Name: m.instanceState},
			}},
		}},
	}, nil
}

func (m *mockEC2) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.calls))
	copy(result, m.calls)
	return result
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ProvisionerSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockEC2
	logger *slog.Logger
	cfg    Config
}

func (s *ProvisionerSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockEC2()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		ImageID:            "ami-0123",
		InstanceTypes:      []string{"t3.micro", "t3.small"},
		SubnetIDs:          []string{"subnet-a", "subnet-b"},
		SecurityGroupID:    "sg-0123",
		IAMInstanceProfile: "runner-profile",
		Tags:               map[string]string{"Team": "ci"},
		UserData: userdata.Config{
			GitHubURL: "https://github.com/my-org/my-repo",
		},
	}
}

func (s *ProvisionerSuite) newProvisioner() *Provisioner {
	return newProvisioner(s.client, s.cfg, s.logger)
}

func TestProvisionerSuite(t *testing.T) {
	suite.Run(t, new(ProvisionerSuite))
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func (s *ProvisionerSuite) TestValidate() {
	require.NoError(s.T(), s.cfg.Validate())

	cfg := s.cfg
	cfg.InstanceTypes = nil
	assert.ErrorContains(s.T(), cfg.Validate(), "instance type")

	cfg = s.cfg
	cfg.SubnetIDs = nil
	assert.ErrorContains(s.T(), cfg.Validate(), "subnet")

	cfg = s.cfg
	cfg.ImageID = ""
	assert.ErrorContains(s.T(), cfg.Validate(), "image")

	cfg = s.cfg
	cfg.SecurityGroupID = ""
	assert.ErrorContains(s.T(), cfg.Validate(), "security group")
}

func (s *ProvisionerSuite) TestDefaultWaitTimeout() {
	p := s.newProvisioner()
	assert.Equal(s.T(), DefaultWaitTimeout, p.cfg.WaitTimeout)
}

// ---------------------------------------------------------------------------
// Launch template
// ---------------------------------------------------------------------------

func (s *ProvisionerSuite) TestCreateLaunchTemplate_Success() {
	p := s.newProvisioner()

	id, err := p.CreateLaunchTemplate(s.ctx, "runner-abc", "tok123")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "lt-0123", id)

	require.Len(s.T(), s.client.createLTCalls, 1)
	in := s.client.createLTCalls[0]
	assert.True(s.T(), strings.HasPrefix(aws.ToString(in.LaunchTemplateName), launchTemplatePrefix))

	data := in.LaunchTemplateData
	assert.Equal(s.T(), "ami-0123", aws.ToString(data.ImageId))
	assert.Equal(s.T(), []string{"sg-0123"}, data.SecurityGroupIds)
	require.NotNil(s.T(), data.IamInstanceProfile)
	assert.Equal(s.T(), "runner-profile", aws.ToString(data.IamInstanceProfile.Name))

	script, err := base64.StdEncoding.DecodeString(aws.ToString(data.UserData))
	require.NoError(s.T(), err)
	assert.Contains(s.T(), string(script), "--token tok123")
	assert.Contains(s.T(), string(script), "--labels runner-abc")

	require.Len(s.T(), in.TagSpecifications, 1)
	assert.Equal(s.T(), types.ResourceTypeLaunchTemplate, in.TagSpecifications[0].ResourceType)
}

func (s *ProvisionerSuite) TestCreateLaunchTemplate_UniqueNames() {
	p := s.newProvisioner()

	_, err := p.CreateLaunchTemplate(s.ctx, "a", "t")
	require.NoError(s.T(), err)
	_, err = p.CreateLaunchTemplate(s.ctx, "a", "t")
	require.NoError(s.T(), err)

	assert.NotEqual(s.T(),
		aws.ToString(s.client.createLTCalls[0].LaunchTemplateName),
		aws.ToString(s.client.createLTCalls[1].LaunchTemplateName),
	)
}

func (s *ProvisionerSuite) TestCreateLaunchTemplate_NoProfile() {
	s.cfg.IAMInstanceProfile = ""
	p := s.newProvisioner()

	_, err := p.CreateLaunchTemplate(s.ctx, "a", "t")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), s.client.createLTCalls[0].LaunchTemplateData.IamInstanceProfile)
}

func (s *ProvisionerSuite) TestCreateLaunchTemplate_InstanceTags() {
	p := s.newProvisioner()

	_, err := p.CreateLaunchTemplate(s.ctx, "runner-abc", "t")
	require.NoError(s.T(), err)

	specs := s.client.createLTCalls[0].LaunchTemplateData.TagSpecifications
	require.NotEmpty(s.T(), specs)
	assert.Equal(s.T(), types.ResourceTypeInstance, specs[0].ResourceType)

	tags := map[string]string{}
	for _, t := range specs[0].Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	assert.Equal(s.T(), map[string]string{"Name": "runner-abc", "Team": "ci"}, tags)
}

func (s *ProvisionerSuite) TestCreateLaunchTemplate_NoID() {
	s.client.createLTOut = &ec2.CreateLaunchTemplateOutput{}
	p := s.newProvisioner()

	_, err := p.CreateLaunchTemplate(s.ctx, "a", "t")
	assert.ErrorIs(s.T(), err, ErrNoLaunchTemplateID)
}

func (s *ProvisionerSuite) TestCreateLaunchTemplate_APIError() {
	s.client.createLTErr = &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "denied"}
	p := s.newProvisioner()

	_, err := p.CreateLaunchTemplate(s.ctx, "a", "t")
	require.Error(s.T(), err)
	assert.Equal(s.T(), "UnauthorizedOperation", apiErrorCode(err))
}

func (s *ProvisionerSuite) TestDeleteLaunchTemplate_Success() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.DeleteLaunchTemplate(s.ctx, "lt-0123"))
	require.Len(s.T(), s.client.deleteLTCalls, 1)
	assert.Equal(s.T(), "lt-0123", aws.ToString(s.client.deleteLTCalls[0].LaunchTemplateId))
}

func (s *ProvisionerSuite) TestDeleteLaunchTemplate_EmptyIDIsNoop() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.DeleteLaunchTemplate(s.ctx, ""))
	assert.Empty(s.T(), s.client.deleteLTCalls)
}

func (s *ProvisionerSuite) TestDeleteLaunchTemplate_Error() {
	s.client.deleteLTErr = fmt.Errorf("throttled")
	p := s.newProvisioner()

	err := p.DeleteLaunchTemplate(s.ctx, "lt-0123")
	assert.ErrorContains(s.T(), err, "throttled")
	assert.ErrorContains(s.T(), err, "lt-0123")
}

// ---------------------------------------------------------------------------
// Fleet
// ---------------------------------------------------------------------------

func (s *ProvisionerSuite) TestOverrides_CartesianProduct() {
	overrides := Overrides([]string{"t3.micro", "t3.small"}, []string{"subnet-a", "subnet-b"})
	require.Len(s.T(), overrides, 4)

	type pair struct{ it, subnet string }
	var got []pair
	for _, o := range overrides {
		got = append(got, pair{string(o.InstanceType), aws.ToString(o.SubnetId)})
	}
	assert.Equal(s.T(), []pair{
		{"t3.micro", "subnet-a"},
		{"t3.micro", "subnet-b"},
		{"t3.small", "subnet-a"},
		{"t3.small", "subnet-b"},
	}, got)
}

func (s *ProvisionerSuite) TestOverrides_Size() {
	for _, tc := range []struct{ types, subnets int }{{1, 1}, {1, 3}, {3, 1}, {4, 5}} {
		its := make([]string, tc.types)
		for i := range its {
			its[i] = fmt.Sprintf("t3.size%d", i)
		}
		subnets := make([]string, tc.subnets)
		for i := range subnets {
			subnets[i] = fmt.Sprintf("subnet-%d", i)
		}
		assert.Len(s.T(), Overrides(its, subnets), tc.types*tc.subnets)
	}
}

func (s *ProvisionerSuite) TestRequestFleet_Success() {
	p := s.newProvisioner()

	fleetID, instanceID, err := p.RequestFleet(s.ctx, "lt-0123")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "fleet-0123", fleetID)
	assert.Equal(s.T(), "i-0123", instanceID)

	require.Len(s.T(), s.client.createFleet, 1)
	in := s.client.createFleet[0]
	assert.Equal(s.T(), types.FleetTypeInstant, in.Type)
	assert.Equal(s.T(), int32(1), aws.ToInt32(in.TargetCapacitySpecification.TotalTargetCapacity))
	assert.Equal(s.T(), types.DefaultTargetCapacityTypeSpot, in.TargetCapacitySpecification.DefaultTargetCapacityType)
	assert.Equal(s.T(), types.SpotAllocationStrategyPriceCapacityOptimized, in.SpotOptions.AllocationStrategy)

	require.Len(s.T(), in.LaunchTemplateConfigs, 1)
	ltc := in.LaunchTemplateConfigs[0]
	assert.Equal(s.T(), "lt-0123", aws.ToString(ltc.LaunchTemplateSpecification.LaunchTemplateId))
	assert.Len(s.T(), ltc.Overrides, 4)
}

func (s *ProvisionerSuite) TestRequestFleet_NoInstance() {
	s.client.createFleetOut = &ec2.CreateFleetOutput{
		FleetId: aws.String("fleet-0123"),
		Errors: []types.CreateFleetError{{
			ErrorCode:    aws.String("InsufficientInstanceCapacity"),
			ErrorMessage: aws.String("no spot capacity"),
		}},
	}
	p := s.newProvisioner()

	fleetID, instanceID, err := p.RequestFleet(s.ctx, "lt-0123")
	assert.ErrorIs(s.T(), err, ErrNoInstance)
	assert.ErrorContains(s.T(), err, "InsufficientInstanceCapacity")
	assert.Equal(s.T(), "fleet-0123", fleetID, "fleet id is kept for teardown")
	assert.Empty(s.T(), instanceID)
}

func (s *ProvisionerSuite) TestRequestFleet_APIError() {
	s.client.createFleetErr = fmt.Errorf("request limit exceeded")
	p := s.newProvisioner()

	_, _, err := p.RequestFleet(s.ctx, "lt-0123")
	assert.ErrorContains(s.T(), err, "request limit exceeded")
}

func (s *ProvisionerSuite) TestDeleteFleet_Success() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.DeleteFleet(s.ctx, "fleet-0123"))
	require.Len(s.T(), s.client.deleteFleets, 1)
	assert.Equal(s.T(), []string{"fleet-0123"}, s.client.deleteFleets[0].FleetIds)
	assert.True(s.T(), aws.ToBool(s.client.deleteFleets[0].TerminateInstances))
}

func (s *ProvisionerSuite) TestDeleteFleet_EmptyIDIsNoop() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.DeleteFleet(s.ctx, ""))
	assert.Empty(s.T(), s.client.deleteFleets)
}

func (s *ProvisionerSuite) TestDeleteFleet_Unsuccessful() {
	s.client.deleteFleetOut = &ec2.DeleteFleetsOutput{
		UnsuccessfulFleetDeletions: []types.DeleteFleetErrorItem{{
			FleetId: aws.String("fleet-0123"),
			Error: &types.DeleteFleetError{
				Code:    types.DeleteFleetErrorCodeFleetIdDoesNotExist,
				Message: aws.String("gone"),
			},
		}},
	}
	p := s.newProvisioner()

	err := p.DeleteFleet(s.ctx, "fleet-0123")
	assert.ErrorContains(s.T(), err, "gone")
}

// ---------------------------------------------------------------------------
// Instance lifecycle
// ---------------------------------------------------------------------------

func (s *ProvisionerSuite) TestWaitRunning_Success() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.WaitRunning(s.ctx, "i-0123"))
	assert.Equal(s.T(), 1, s.client.describeCalls)
}

func (s *ProvisionerSuite) TestWaitRunning_Timeout() {
	s.client.instanceState = types.InstanceStateNamePending
	s.cfg.WaitTimeout = 10 * time.Millisecond
	p := s.newProvisioner()

	err := p.WaitRunning(s.ctx, "i-0123")
	require.Error(s.T(), err)
	assert.ErrorContains(s.T(), err, "i-0123")
}

func (s *ProvisionerSuite) TestWaitRunning_Terminated() {
	s.client.instanceState = types.InstanceStateNameTerminated
	p := s.newProvisioner()

	err := p.WaitRunning(s.ctx, "i-0123")
	assert.Error(s.T(), err)
}

func (s *ProvisionerSuite) TestTerminate_Success() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.Terminate(s.ctx, "i-0123"))
	require.Len(s.T(), s.client.terminateCalls, 1)
	assert.Equal(s.T(), []string{"i-0123"}, s.client.terminateCalls[0].InstanceIds)
}

func (s *ProvisionerSuite) TestTerminate_Error() {
	s.client.terminateErr = fmt.Errorf("permission denied")
	p := s.newProvisioner()

	err := p.Terminate(s.ctx, "i-0123")
	assert.ErrorContains(s.T(), err, "permission denied")
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func (s *ProvisionerSuite) TestStart_ReportsAllIDs() {
	p := s.newProvisioner()

	reported := map[string]string{}
	var order []string
	res, err := p.Start(s.ctx, "runner-abc", "tok", func(k, v string) {
		reported[k] = v
		order = append(order, k)
	})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), Result{
		Label:            "runner-abc",
		LaunchTemplateID: "lt-0123",
		FleetID:          "fleet-0123",
		InstanceID:       "i-0123",
	}, res)
	assert.Equal(s.T(), []string{KeyLaunchTemplateID, KeyFleetID, KeyInstanceID}, order)
	assert.Equal(s.T(), "i-0123", reported[KeyInstanceID])
	assert.Equal(s.T(), []string{"CreateLaunchTemplate", "CreateFleet"}, s.client.getCalls())
}

func (s *ProvisionerSuite) TestStart_LaunchTemplateFailureSkipsFleet() {
	s.client.createLTOut = &ec2.CreateLaunchTemplateOutput{}
	p := s.newProvisioner()

	res, err := p.Start(s.ctx, "runner-abc", "tok", nil)
	assert.ErrorIs(s.T(), err, ErrNoLaunchTemplateID)
	assert.Empty(s.T(), s.client.createFleet, "fleet must never be requested")
	assert.Empty(s.T(), res.LaunchTemplateID)
}

func (s *ProvisionerSuite) TestStart_FleetFailureKeepsLaunchTemplate() {
	s.client.createFleetErr = fmt.Errorf("capacity")
	p := s.newProvisioner()

	res, err := p.Start(s.ctx, "runner-abc", "tok", nil)
	require.Error(s.T(), err)
	assert.Equal(s.T(), "lt-0123", res.LaunchTemplateID)
	assert.Empty(s.T(), s.client.deleteLTCalls, "no self-healing on partial failure")
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

func (s *ProvisionerSuite) TestCleanup_Order() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.Cleanup(s.ctx, "i-0123", "lt-0123", "fleet-0123"))
	assert.Equal(s.T(),
		[]string{"TerminateInstances", "DeleteLaunchTemplate", "DeleteFleets"},
		s.client.getCalls(),
	)
}

func (s *ProvisionerSuite) TestCleanup_EmptyIDsOnlyTerminates() {
	var buf strings.Builder
	p := newProvisioner(s.client, s.cfg, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(s.T(), p.Cleanup(s.ctx, "i-0123", "", ""))
	assert.Equal(s.T(), []string{"TerminateInstances"}, s.client.getCalls())
	assert.Contains(s.T(), buf.String(), "skipping launch template deletion")
	assert.Contains(s.T(), buf.String(), "skipping fleet deletion")
}

func (s *ProvisionerSuite) TestCleanup_TerminateFailureAborts() {
	s.client.terminateErr = fmt.Errorf("permission denied")
	p := s.newProvisioner()

	err := p.Cleanup(s.ctx, "i-0123", "lt-0123", "fleet-0123")
	assert.ErrorContains(s.T(), err, "permission denied")
	assert.Equal(s.T(), []string{"TerminateInstances"}, s.client.getCalls())
}

func (s *ProvisionerSuite) TestCleanup_LaunchTemplateFailureStillDeletesFleet() {
	ltErr := errors.New("launch template busy")
	s.client.deleteLTErr = ltErr
	p := s.newProvisioner()

	err := p.Cleanup(s.ctx, "i-0123", "lt-0123", "fleet-0123")
	assert.ErrorIs(s.T(), err, ltErr)
	assert.Equal(s.T(),
		[]string{"TerminateInstances", "DeleteLaunchTemplate", "DeleteFleets"},
		s.client.getCalls(),
	)
}

func (s *ProvisionerSuite) TestCleanup_FleetFailureSurfaces() {
	fleetErr := errors.New("fleet throttled")
	s.client.deleteFleetErr = fleetErr
	p := s.newProvisioner()

	err := p.Cleanup(s.ctx, "i-0123", "lt-0123", "fleet-0123")
	assert.ErrorIs(s.T(), err, fleetErr)
	assert.Len(s.T(), s.client.deleteLTCalls, 1)
}

func (s *ProvisionerSuite) TestCleanup_NoInstanceStillCleansUp() {
	p := s.newProvisioner()

	require.NoError(s.T(), p.Cleanup(s.ctx, "", "lt-0123", "fleet-0123"))
	assert.Equal(s.T(), []string{"DeleteLaunchTemplate", "DeleteFleets"}, s.client.getCalls())
}
