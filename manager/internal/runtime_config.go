// Package manager wires the yaml configuration surfaces into a run farm,
// a target topology and the task implementations the CLI dispatches to.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/deploy"
	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/abejgonzalez/firesim/common/utils"
	"github.com/abejgonzalez/firesim/manager/domain"
	"gopkg.in/yaml.v3"
)

// launchTimeFormat stamps each invocation; the stamp prefixes workload
// results directories so reruns never collide.
const launchTimeFormat = "2006-01-02--15-04-05"

// MetasimulationConfig is the 'metasimulation' section of
// config_runtime.yaml.
type MetasimulationConfig struct {
	Enabled       bool   `yaml:"metasimulation_enabled"`
	HostSimulator string `yaml:"metasimulation_host_simulator"`
	PlusArgs      string `yaml:"metasimulation_only_plusargs"`
	VCSPlusArgs   string `yaml:"metasimulation_only_vcs_plusargs"`
}

// TargetConfig is the 'target_config' section of config_runtime.yaml.
type TargetConfig struct {
	Topology           string `yaml:"topology"`
	NoNetNumNodes      int    `yaml:"no_net_num_nodes"`
	LinkLatency        int    `yaml:"link_latency"`
	SwitchingLatency   int    `yaml:"switching_latency"`
	NetBandwidth       int    `yaml:"net_bandwidth"`
	ProfileInterval    int    `yaml:"profile_interval"`
	DefaultHWConfig    string `yaml:"default_hw_config"`
	PlusargPassthrough string `yaml:"plusarg_passthrough"`
}

// WorkloadConfig is the 'workload' section of config_runtime.yaml.
type WorkloadConfig struct {
	WorkloadName          string `yaml:"workload_name"`
	SuffixTag             string `yaml:"suffix_tag"`
	TerminateOnCompletion bool   `yaml:"terminate_on_completion"`
}

// runFarmSection points at a base recipe file and optionally overrides
// pieces of its args.
type runFarmSection struct {
	BaseRecipe         string                 `yaml:"base_recipe"`
	RecipeArgOverrides map[string]interface{} `yaml:"recipe_arg_overrides"`
}

type runtimeYAML struct {
	RunFarm        runFarmSection       `yaml:"run_farm"`
	TargetConfig   TargetConfig         `yaml:"target_config"`
	Metasimulation MetasimulationConfig `yaml:"metasimulation"`
	Workload       WorkloadConfig       `yaml:"workload"`
}

// runFarmRecipe is the shape of a run farm base recipe file.
type runFarmRecipe struct {
	RunFarmType string                 `yaml:"run_farm_type"`
	Args        map[string]interface{} `yaml:"args"`
}

// RuntimeConfig ties together everything one manager invocation needs: the
// hardware database, the run farm, the target topology, and the workload.
type RuntimeConfig struct {
	log  logger.Logger
	opts *domain.ManagerOptions

	uris     *hwdb.URIContainer
	resolver hwdb.QuintupletResolver

	HWDB *hwdb.RuntimeHWDB
	Farm runfarm.RunFarm

	Metasim  MetasimulationConfig
	Target   TargetConfig
	Workload WorkloadConfig

	LaunchTime string

	Topology *TopologyWithPasses
}

// NewRuntimeConfig loads the runtime and hwdb yaml files and builds the
// run farm and topology they describe. client may be nil when no AWS
// credentials are available; only aws_ec2 farms and AGFI quintuplet
// resolution actually need it.
func NewRuntimeConfig(opts *domain.ManagerOptions, client *awstools.Client, uris *hwdb.URIContainer, provider deploy.ExecutorProvider) (*RuntimeConfig, error) {
	raw, err := os.ReadFile(opts.RuntimeConfigFile)
	if err != nil {
		return nil, fmt.Errorf("reading runtime config %s: %w", opts.RuntimeConfigFile, err)
	}
	var parsed runtimeYAML
	if err = yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing runtime config %s: %w", opts.RuntimeConfigFile, err)
	}

	db, err := hwdb.LoadRuntimeHWDB(opts.HWDBConfigFile)
	if err != nil {
		return nil, err
	}

	farm, err := buildRunFarm(parsed.RunFarm, parsed.Metasimulation.Enabled, client, deploy.Registry(provider), opts.RuntimeConfigFile)
	if err != nil {
		return nil, err
	}

	cfg := &RuntimeConfig{
		log:        config.GetLogger("RuntimeConfig "),
		opts:       opts,
		uris:       uris,
		HWDB:       db,
		Farm:       farm,
		Metasim:    parsed.Metasimulation,
		Target:     parsed.TargetConfig,
		Workload:   parsed.Workload,
		LaunchTime: time.Now().UTC().Format(launchTimeFormat),
	}
	if client != nil {
		cfg.resolver = client
	}

	cfg.Topology, err = NewTopologyWithPasses(cfg)
	if err != nil {
		return nil, err
	}

	cfg.log.Debug("Launch time: %s", cfg.LaunchTime)
	return cfg, nil
}

// buildRunFarm reads the base recipe, applies the arg overrides, and
// dispatches on run_farm_type.
func buildRunFarm(section runFarmSection, metasimEnabled bool, client *awstools.Client, factories map[string]runfarm.DeployManagerFactory, configFile string) (runfarm.RunFarm, error) {
	if section.BaseRecipe == "" {
		return nil, fmt.Errorf("'run_farm' in %s requires a 'base_recipe'", configFile)
	}

	raw, err := os.ReadFile(section.BaseRecipe)
	if err != nil {
		return nil, fmt.Errorf("reading run farm recipe %s: %w", section.BaseRecipe, err)
	}
	var recipe runFarmRecipe
	if err = yaml.Unmarshal(raw, &recipe); err != nil {
		return nil, fmt.Errorf("parsing run farm recipe %s: %w", section.BaseRecipe, err)
	}

	merged := utils.MergeMaps(recipe.Args, section.RecipeArgOverrides)
	argsYAML, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encoding run farm args from %s: %w", section.BaseRecipe, err)
	}

	switch recipe.RunFarmType {
	case "aws_ec2":
		if client == nil {
			return nil, fmt.Errorf("run farm type aws_ec2 in %s requires AWS credentials, and no EC2 client could be built", section.BaseRecipe)
		}
		var args runfarm.AWSEC2Args
		if err = yaml.Unmarshal(argsYAML, &args); err != nil {
			return nil, fmt.Errorf("parsing aws_ec2 args in %s: %w", section.BaseRecipe, err)
		}
		return runfarm.NewAWSEC2(args, metasimEnabled, client, factories)
	case "externally_provisioned":
		var args runfarm.ExternalArgs
		if err = yaml.Unmarshal(argsYAML, &args); err != nil {
			return nil, fmt.Errorf("parsing externally_provisioned args in %s: %w", section.BaseRecipe, err)
		}
		return runfarm.NewExternallyProvisioned(args, metasimEnabled, factories)
	default:
		return nil, fmt.Errorf("unknown run_farm_type %q in %s", recipe.RunFarmType, section.BaseRecipe)
	}
}

// ParseTerminateSome splits a 'handle:count,handle:count' restriction list
// into a map. Counts for a repeated handle accumulate.
func ParseTerminateSome(value string) (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(value) == "" {
		return out, nil
	}

	for _, piece := range strings.Split(value, ",") {
		piece = strings.TrimSpace(piece)
		parts := strings.SplitN(piece, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf(`terminatesome entries must look like "handle:count", got %q`, piece)
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("terminatesome count for %q must be a positive integer, got %q", parts[0], parts[1])
		}
		out[parts[0]] += count
	}
	return out, nil
}

// ResultsDir returns the per-run directory workload results are collected
// into, unique per launch time.
func (c *RuntimeConfig) ResultsDir() string {
	name := strings.TrimSuffix(c.Workload.WorkloadName, ".json")
	return filepath.Join(c.opts.ResultsDir, fmt.Sprintf("%s-%s%s", c.LaunchTime, name, c.Workload.SuffixTag))
}

// stagingDir holds locally fetched bitstream/driver artifacts before they
// are pushed to run farm hosts.
func (c *RuntimeConfig) stagingDir() string {
	return filepath.Join(c.opts.ResultsDir, ".staging")
}

// bind attaches launched machines to the farm's host objects. Every task
// that talks to hosts runs this first.
func (c *RuntimeConfig) bind(ctx context.Context) error {
	return c.Farm.PostLaunchBinding(ctx, c.opts.Mock)
}

// LaunchRunFarm brings up the machines backing the run farm.
func (c *RuntimeConfig) LaunchRunFarm(ctx context.Context) error {
	return c.Farm.LaunchRunFarm(ctx)
}

// TerminateRunFarm tears down run farm machines, optionally restricted by
// the terminatesome option.
func (c *RuntimeConfig) TerminateRunFarm(ctx context.Context) error {
	some, err := ParseTerminateSome(c.opts.TerminateSome)
	if err != nil {
		return err
	}
	if len(some) > 0 {
		if err = c.bind(ctx); err != nil {
			return err
		}
	}
	return c.Farm.TerminateRunFarm(ctx, some, c.opts.ForceTerminate)
}

// InfraSetup stages simulation collateral on every bound host and prepares
// its FPGAs.
func (c *RuntimeConfig) InfraSetup(ctx context.Context) error {
	if err := c.bind(ctx); err != nil {
		return err
	}
	return c.Topology.InfraSetupPass(ctx)
}

// EnumerateFPGAs writes the FPGA database on every bound host.
func (c *RuntimeConfig) EnumerateFPGAs(ctx context.Context) error {
	if err := c.bind(ctx); err != nil {
		return err
	}
	return c.Topology.EnumerateFPGAsPass(ctx)
}

// Boot starts switches, pipes, and simulations on every bound host.
func (c *RuntimeConfig) Boot(ctx context.Context) error {
	if err := c.bind(ctx); err != nil {
		return err
	}
	return c.Topology.BootPass(ctx)
}

// Kill tears down simulations, switches and pipes on every bound host.
func (c *RuntimeConfig) Kill(ctx context.Context) error {
	if err := c.bind(ctx); err != nil {
		return err
	}
	return c.Topology.KillPass(ctx)
}

// RunWorkload monitors all hosts until every simulation job completes,
// collecting results into the per-run results directory.
func (c *RuntimeConfig) RunWorkload(ctx context.Context, pollInterval time.Duration) error {
	if err := c.bind(ctx); err != nil {
		return err
	}
	return c.Topology.RunWorkloadPass(ctx, pollInterval)
}
