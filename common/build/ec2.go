package build

import (
	"context"
	"fmt"
	"os"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/awstools"
)

// BuildClusterTagKey is attached to every build instance so stray build
// farms can be found and torn down by tag.
const BuildClusterTagKey = "fsimbuildcluster"

// buildVolumeGB sizes the build instance's root volume. Vivado checkpoints
// for large designs need the headroom.
const buildVolumeGB = 200

// AWSEC2BuildArgs is the 'args' section of an aws_ec2 build farm in
// config_build.yaml.
type AWSEC2BuildArgs struct {
	BuildFarmTag             string `yaml:"build_farm_tag"`
	InstanceType             string `yaml:"instance_type"`
	BuildInstanceMarket      string `yaml:"build_instance_market"`
	SpotInterruptionBehavior string `yaml:"spot_interruption_behavior"`
	SpotMaxPrice             string `yaml:"spot_max_price"`
	DefaultBuildDir          string `yaml:"default_build_dir"`
	AMI                      string `yaml:"ami"`
}

// AWSEC2 is a build farm that launches one EC2 instance per requested
// build and terminates it on release.
type AWSEC2 struct {
	log    logger.Logger
	args   AWSEC2BuildArgs
	client *awstools.Client

	buildFarmTag string
}

// NewAWSEC2 validates the build farm args and returns the farm.
func NewAWSEC2(args AWSEC2BuildArgs, client *awstools.Client) (*AWSEC2, error) {
	if args.BuildFarmTag == "" {
		return nil, fmt.Errorf("aws_ec2 build farm requires 'build_farm_tag' in config_build.yaml")
	}
	if args.DefaultBuildDir == "" {
		return nil, fmt.Errorf("aws_ec2 build farm requires 'default_build_dir' in config_build.yaml")
	}

	tag := args.BuildFarmTag
	if prefix := os.Getenv("FIRESIM_BUILDFARM_PREFIX"); prefix != "" {
		tag = prefix + "-" + tag
	}

	return &AWSEC2{
		log:          config.GetLogger("EC2BuildFarm "),
		args:         args,
		client:       client,
		buildFarmTag: tag,
	}, nil
}

// RequestBuildHost launches a fresh instance for the build.
func (f *AWSEC2) RequestBuildHost(ctx context.Context, buildName string) (*BuildHost, error) {
	launched, err := f.client.LaunchInstances(ctx, awstools.LaunchSpec{
		InstanceType:             f.args.InstanceType,
		Count:                    1,
		Market:                   f.args.BuildInstanceMarket,
		SpotInterruptionBehavior: f.args.SpotInterruptionBehavior,
		SpotMaxPrice:             f.args.SpotMaxPrice,
		BlockDeviceVolumeGB:      buildVolumeGB,
		Tags:                     map[string]string{BuildClusterTagKey: f.buildFarmTag},
		AMI:                      f.args.AMI,
	})
	if err != nil {
		return nil, err
	}
	if len(launched) != 1 {
		return nil, fmt.Errorf("requested 1 %s build instance, EC2 launched %d", f.args.InstanceType, len(launched))
	}

	host := &BuildHost{BuildName: buildName, DestBuildDir: f.args.DefaultBuildDir}
	host.Bind("", launched[0].ID)
	f.log.Info("Launched build instance %s for build %s.", launched[0].ID, buildName)
	return host, nil
}

// WaitOnBuildHostInitialization waits for the instance to boot and records
// its private IP.
func (f *AWSEC2) WaitOnBuildHostInitialization(ctx context.Context, h *BuildHost) error {
	running, err := f.client.WaitOnInstanceLaunches(ctx, []string{h.InstanceID()})
	if err != nil {
		return err
	}
	if len(running) != 1 {
		return fmt.Errorf("build instance %s never reached running", h.InstanceID())
	}
	h.Bind(running[0].PrivateIP, running[0].ID)
	return nil
}

// ReleaseBuildHost terminates the instance behind the build host.
func (f *AWSEC2) ReleaseBuildHost(ctx context.Context, h *BuildHost) error {
	f.log.Info("Terminating build instance %s. Please confirm in your AWS Management Console.", h.InstanceID())
	return f.client.TerminateInstances(ctx, []string{h.InstanceID()}, false)
}
