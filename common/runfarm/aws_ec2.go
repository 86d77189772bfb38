package runfarm

import (
	"context"
	"fmt"
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/hwdb"
)

// Simulation capacities of the EC2 instance types the farm knows how to
// launch. m4.16xlarge carries no FPGAs and is used for switch-only hosts;
// z1d instances host metasimulations.
var (
	ec2FPGASlots = map[string]int{
		"f1.2xlarge":   1,
		"f1.4xlarge":   2,
		"f1.16xlarge":  8,
		"m4.16xlarge":  0,
		"z1d.3xlarge":  0,
		"z1d.6xlarge":  0,
		"z1d.12xlarge": 0,
	}

	ec2MetasimSlots = map[string]int{
		"f1.2xlarge":   0,
		"f1.4xlarge":   0,
		"f1.16xlarge":  0,
		"m4.16xlarge":  0,
		"z1d.3xlarge":  1,
		"z1d.6xlarge":  2,
		"z1d.12xlarge": 8,
	}

	ec2SwitchOnlyOK = map[string]bool{
		"m4.16xlarge": true,
	}
)

// AWSEC2Args is the 'args' section of an aws_ec2 run farm in
// config_runtime.yaml.
type AWSEC2Args struct {
	RunFarmTag               string `yaml:"run_farm_tag"`
	AlwaysExpand             bool   `yaml:"always_expand_run_farm"`
	RunInstanceMarket        string `yaml:"run_instance_market"`
	SpotInterruptionBehavior string `yaml:"spot_interruption_behavior"`
	SpotMaxPrice             string `yaml:"spot_max_price"`
	DefaultSimDir            string `yaml:"default_simulation_dir"`
	AMI                      string `yaml:"ami"`

	F116XLarges int `yaml:"f1_16xlarges"`
	F14XLarges  int `yaml:"f1_4xlarges"`
	F12XLarges  int `yaml:"f1_2xlarges"`
	M416XLarges int `yaml:"m4_16xlarges"`

	Z1D3XLarges  int `yaml:"z1d_3xlarges"`
	Z1D6XLarges  int `yaml:"z1d_6xlarges"`
	Z1D12XLarges int `yaml:"z1d_12xlarges"`
}

func (a AWSEC2Args) instanceCounts() map[string]int {
	return map[string]int{
		"f1.16xlarge":  a.F116XLarges,
		"f1.4xlarge":   a.F14XLarges,
		"f1.2xlarge":   a.F12XLarges,
		"m4.16xlarge":  a.M416XLarges,
		"z1d.3xlarge":  a.Z1D3XLarges,
		"z1d.6xlarge":  a.Z1D6XLarges,
		"z1d.12xlarge": a.Z1D12XLarges,
	}
}

// AWSEC2 launches and manages EC2 instances as run farm hosts. Host
// handles are EC2 instance type names.
type AWSEC2 struct {
	*baseFarm

	args   AWSEC2Args
	client *awstools.Client
}

// NewAWSEC2 builds the farm and one unbound Host per requested instance.
func NewAWSEC2(args AWSEC2Args, metasimEnabled bool, client *awstools.Client, factories map[string]DeployManagerFactory) (*AWSEC2, error) {
	if args.RunFarmTag == "" {
		return nil, fmt.Errorf("aws_ec2 run farm requires a 'run_farm_tag' in config_runtime.yaml")
	}
	factory, ok := factories[hwdb.PlatformF1]
	if !ok {
		return nil, fmt.Errorf("no deploy manager registered for platform %q", hwdb.PlatformF1)
	}

	farm := &AWSEC2{
		baseFarm: newBaseFarm(config.GetLogger("AWSEC2RunFarm "), metasimEnabled, args.DefaultSimDir),
		args:     args,
		client:   client,
	}

	for instanceType, count := range args.instanceCounts() {
		farm.fpgaSlots[instanceType] = ec2FPGASlots[instanceType]
		farm.metasimSlots[instanceType] = ec2MetasimSlots[instanceType]
		farm.switchOnlyOK[instanceType] = ec2SwitchOnlyOK[instanceType]

		maxSims := ec2FPGASlots[instanceType]
		if metasimEnabled {
			maxSims = ec2MetasimSlots[instanceType]
		}

		hosts := make([]*Host, 0, count)
		for i := 0; i < count; i++ {
			h := NewHost(farm, instanceType, maxSims, hwdb.PlatformF1, args.DefaultSimDir, "", metasimEnabled)
			h.SetDeployManager(factory(h))
			hosts = append(hosts, h)
		}
		farm.hosts.Store(instanceType, hosts)
	}

	farm.initPostprocess()
	return farm, nil
}

// LaunchRunFarm launches the requested instances of every type, tagged
// with the run farm tag, and waits for them to reach running.
func (f *AWSEC2) LaunchRunFarm(ctx context.Context) error {
	var launchedIDs []string
	for _, instanceType := range f.sortedHandles() {
		hosts, _ := f.hosts.Load(instanceType)
		if len(hosts) == 0 {
			continue
		}

		instances, err := f.client.LaunchInstances(ctx, awstools.LaunchSpec{
			InstanceType:             instanceType,
			Count:                    len(hosts),
			Market:                   f.args.RunInstanceMarket,
			SpotInterruptionBehavior: f.args.SpotInterruptionBehavior,
			SpotMaxPrice:             f.args.SpotMaxPrice,
			BlockDeviceVolumeGB:      300,
			Tags:                     map[string]string{awstools.ClusterTagKey: f.args.RunFarmTag},
			AMI:                      f.args.AMI,
		})
		if err != nil {
			return err
		}
		launchedIDs = append(launchedIDs, awstools.InstanceIDs(instances)...)
	}

	if len(launchedIDs) == 0 {
		f.log.Warn("Run farm %s has no instances to launch.", f.args.RunFarmTag)
		return nil
	}

	_, err := f.client.WaitOnInstanceLaunches(ctx, launchedIDs)
	return err
}

// PostLaunchBinding binds running instances (looked up by the run farm
// tag) to host objects, grouped by instance type. mock binds synthetic
// addresses instead, for offline testing.
func (f *AWSEC2) PostLaunchBinding(ctx context.Context, mock bool) error {
	if mock {
		next := 1
		for _, instanceType := range f.sortedHandles() {
			hosts, _ := f.hosts.Load(instanceType)
			for _, h := range hosts {
				h.Bind(fmt.Sprintf("192.168.1.%d", next), fmt.Sprintf("i-mock%04d", next))
				next++
			}
		}
		return nil
	}

	instances, err := f.client.InstancesByTag(ctx, f.args.RunFarmTag)
	if err != nil {
		return err
	}

	byType := make(map[string][]awstools.Instance)
	for _, inst := range instances {
		byType[inst.InstanceType] = append(byType[inst.InstanceType], inst)
	}

	for _, instanceType := range f.sortedHandles() {
		hosts, _ := f.hosts.Load(instanceType)
		available := byType[instanceType]
		if len(available) < len(hosts) {
			return fmt.Errorf("run farm %s needs %d %s instances but only %d are running",
				f.args.RunFarmTag, len(hosts), instanceType, len(available))
		}
		for i, h := range hosts {
			h.Bind(available[i].PrivateIP, available[i].ID)
		}
	}
	return nil
}

// TerminateRunFarm terminates instances backing this farm. A non-empty
// terminateSome restricts teardown to a count per instance type, released
// from the end of each type's host list.
func (f *AWSEC2) TerminateRunFarm(ctx context.Context, terminateSome map[string]int, force bool) error {
	var ids []string

	if len(terminateSome) > 0 {
		for instanceType, count := range terminateSome {
			hosts, ok := f.hosts.Load(instanceType)
			if !ok {
				return fmt.Errorf("unknown run host handle %q in terminatesome", instanceType)
			}
			if count > len(hosts) {
				count = len(hosts)
			}
			for _, h := range hosts[len(hosts)-count:] {
				if h.InstanceID() != "" {
					ids = append(ids, h.InstanceID())
				}
			}
		}
	} else {
		instances, err := f.client.InstancesByTag(ctx, f.args.RunFarmTag)
		if err != nil {
			return err
		}
		ids = awstools.InstanceIDs(instances)
	}

	if len(ids) == 0 {
		f.log.Warn("Run farm %s has no instances to terminate.", f.args.RunFarmTag)
		return nil
	}

	if !force {
		f.log.Warn("Terminating instances %v. IMPORTANT: ONLY RE-RUN AFTER ALL JOBS ARE DONE.", ids)
	}
	return f.client.TerminateInstances(ctx, ids, false)
}

// TerminateHost terminates the single instance backing h.
func (f *AWSEC2) TerminateHost(ctx context.Context, h *Host) error {
	if h.InstanceID() == "" {
		return fmt.Errorf("host %s is not bound to an instance", h.Handle())
	}
	return f.client.TerminateInstances(ctx, []string{h.InstanceID()}, false)
}

// AllHosts returns every host grouped by instance type.
func (f *AWSEC2) AllHosts() []*Host { return f.allHostsSorted() }

// AllBoundHosts returns hosts that have running instances behind them.
func (f *AWSEC2) AllBoundHosts() []*Host { return f.boundHosts() }

// LookupByAddress finds the bound host at addr.
func (f *AWSEC2) LookupByAddress(addr string) (*Host, error) { return f.lookupByAddress(addr) }

func (f *AWSEC2) sortedHandles() []string {
	handles := make([]string, 0, f.hosts.Len())
	f.hosts.Range(func(handle string, _ []*Host) bool {
		handles = append(handles, handle)
		return true
	})
	sort.Strings(handles)
	return handles
}
