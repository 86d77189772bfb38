package awstools

import (
	"context"
	"fmt"
	"time"

	"github.com/abejgonzalez/firesim/common/metrics"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// ClusterTagKey is attached to every instance the manager launches so
	// that run farms can be enumerated and torn down by tag.
	ClusterTagKey = "fsimcluster"

	// launchPollInterval is how often we re-describe pending instances
	// while waiting for them to reach the running state.
	launchPollInterval = 10 * time.Second
)

// EC2API is the subset of the EC2 client the manager uses. The concrete
// *ec2.Client satisfies it; tests substitute a stub.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeFpgaImages(ctx context.Context, params *ec2.DescribeFpgaImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFpgaImagesOutput, error)
	CreateFpgaImage(ctx context.Context, params *ec2.CreateFpgaImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateFpgaImageOutput, error)
}

// Instance is the slice of EC2 instance state the run farm cares about.
type Instance struct {
	ID           string
	PrivateIP    string
	InstanceType string
	State        types.InstanceStateName
}

// LaunchSpec describes a homogeneous batch of instances to launch.
type LaunchSpec struct {
	InstanceType             string
	Count                    int
	Market                   string // "ondemand" or "spot"
	SpotInterruptionBehavior string
	SpotMaxPrice             string // "ondemand" means no cap
	BlockDeviceVolumeGB      int32
	Tags                     map[string]string
	AMI                      string
}

// Client wraps the EC2 API with the launch/wait/terminate procedures the
// build and run farms need.
type Client struct {
	api    EC2API
	logger *zap.Logger
}

// NewClient loads the default AWS SDK configuration and returns a Client.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("Failed to load AWS SDK config", zap.Error(err))
		return nil, err
	}
	return NewClientWithAPI(ec2.NewFromConfig(sdkConfig), logger), nil
}

// NewClientWithAPI returns a Client backed by an existing EC2 API handle.
func NewClientWithAPI(api EC2API, logger *zap.Logger) *Client {
	return &Client{api: api, logger: logger}
}

// LaunchInstances launches spec.Count instances and returns them in the
// order EC2 reported them. Instances are tagged with spec.Tags.
func (c *Client) LaunchInstances(ctx context.Context, spec LaunchSpec) ([]Instance, error) {
	if spec.Count <= 0 {
		return nil, nil
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.AMI),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(int32(spec.Count)),
		MaxCount:     aws.Int32(int32(spec.Count)),
	}

	if spec.BlockDeviceVolumeGB > 0 {
		input.BlockDeviceMappings = []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize: aws.Int32(spec.BlockDeviceVolumeGB),
					VolumeType: types.VolumeTypeGp2,
				},
			},
		}
	}

	if len(spec.Tags) > 0 {
		tags := make([]types.Tag, 0, len(spec.Tags))
		for k, v := range spec.Tags {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		}
	}

	if spec.Market == "spot" {
		spotOpts := &types.SpotMarketOptions{
			InstanceInterruptionBehavior: types.InstanceInterruptionBehavior(spec.SpotInterruptionBehavior),
		}
		if spec.SpotMaxPrice != "" && spec.SpotMaxPrice != "ondemand" {
			spotOpts.MaxPrice = aws.String(spec.SpotMaxPrice)
		}
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType:  types.MarketTypeSpot,
			SpotOptions: spotOpts,
		}
	}

	c.logger.Info("Launching instances",
		zap.String("instance_type", spec.InstanceType),
		zap.Int("count", spec.Count),
		zap.String("market", spec.Market))

	output, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "launching %d %s instances", spec.Count, spec.InstanceType)
	}

	launched := make([]Instance, 0, len(output.Instances))
	for _, inst := range output.Instances {
		launched = append(launched, instanceFromSDK(inst))
		metrics.HostsLaunched.Inc()
	}
	return launched, nil
}

// WaitOnInstanceLaunches polls until every instance in ids is running,
// returning the refreshed instance records (with private IPs populated).
func (c *Client) WaitOnInstanceLaunches(ctx context.Context, ids []string) ([]Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	c.logger.Info("Waiting for instances to boot", zap.Strings("instance_ids", ids))

	for {
		described, err := c.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
		if err != nil {
			return nil, err
		}

		allRunning := len(described) == len(ids)
		for _, inst := range described {
			if inst.State != types.InstanceStateNameRunning {
				allRunning = false
				break
			}
		}
		if allRunning {
			return described, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(launchPollInterval):
		}
	}
}

// InstancesByTag returns all non-terminated instances carrying the cluster
// tag value.
func (c *Client) InstancesByTag(ctx context.Context, tagValue string) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + ClusterTagKey), Values: []string{tagValue}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}
	return c.describe(ctx, input)
}

// TerminateInstances terminates the given instance IDs.
func (c *Client) TerminateInstances(ctx context.Context, ids []string, dryRun bool) error {
	if len(ids) == 0 {
		return nil
	}

	c.logger.Info("Terminating instances", zap.Strings("instance_ids", ids), zap.Bool("dry_run", dryRun))

	input := &ec2.TerminateInstancesInput{InstanceIds: ids}
	if dryRun {
		input.DryRun = aws.Bool(true)
	}
	if _, err := c.api.TerminateInstances(ctx, input); err != nil {
		return pkgerrors.Wrap(err, "terminating instances")
	}
	for range ids {
		metrics.HostsTerminated.Inc()
	}
	return nil
}

func (c *Client) describe(ctx context.Context, input *ec2.DescribeInstancesInput) ([]Instance, error) {
	var found []Instance
	for {
		output, err := c.api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "describing instances")
		}
		for _, reservation := range output.Reservations {
			for _, inst := range reservation.Instances {
				found = append(found, instanceFromSDK(inst))
			}
		}
		if output.NextToken == nil {
			return found, nil
		}
		input.NextToken = output.NextToken
	}
}

func instanceFromSDK(inst types.Instance) Instance {
	out := Instance{ID: aws.ToString(inst.InstanceId)}
	out.PrivateIP = aws.ToString(inst.PrivateIpAddress)
	out.InstanceType = string(inst.InstanceType)
	if inst.State != nil {
		out.State = inst.State.Name
	}
	return out
}

// InstanceIDs extracts the IDs from a batch of instances.
func InstanceIDs(instances []Instance) []string {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

// RunFarmTag builds the tag value identifying one run farm launch. The
// random suffix keeps concurrent farms owned by the same user distinct.
func RunFarmTag(prefix string) string {
	if prefix == "" {
		prefix = "firesim"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
