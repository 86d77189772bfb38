package runfarm

import (
	"context"
	"fmt"

	"github.com/Scusemua/go-utils/config"
)

// HostSpec describes one externally provisioned host type.
type HostSpec struct {
	NumFPGAs         int    `yaml:"num_fpgas"`
	NumMetasims      int    `yaml:"num_metasims"`
	UseForSwitchOnly bool   `yaml:"use_for_switch_only"`
	OverridePlatform string `yaml:"override_platform"`
	OverrideSimDir   string `yaml:"override_simulation_dir"`
	OverrideFPGADB   string `yaml:"override_fpga_db"`
}

// ExternalArgs is the 'args' section of an externally_provisioned run farm
// in config_runtime.yaml. Spec and host lists are single-key mappings to
// match the yaml layout.
type ExternalArgs struct {
	DefaultPlatform string `yaml:"default_platform"`
	DefaultFPGADB   string `yaml:"default_fpga_db"`
	DefaultSimDir   string `yaml:"default_simulation_dir"`

	HostSpecs  []map[string]HostSpec `yaml:"run_farm_host_specs"`
	HostsToUse []map[string]string   `yaml:"run_farm_hosts_to_use"`
}

// ExternallyProvisioned manages hosts that already exist and are assumed
// ready to use. Launch and terminate are no-ops. Host handles are the
// hosts' addresses.
type ExternallyProvisioned struct {
	*baseFarm
}

// NewExternallyProvisioned validates the host list against the spec list
// and builds one bound Host per entry.
func NewExternallyProvisioned(args ExternalArgs, metasimEnabled bool, factories map[string]DeployManagerFactory) (*ExternallyProvisioned, error) {
	specs := make(map[string]HostSpec)
	for _, entry := range args.HostSpecs {
		if len(entry) != 1 {
			return nil, fmt.Errorf("each 'run_farm_host_specs' entry in config_runtime.yaml must map a single spec name to a spec, got %d keys", len(entry))
		}
		for name, spec := range entry {
			specs[name] = spec
		}
	}

	farm := &ExternallyProvisioned{
		baseFarm: newBaseFarm(config.GetLogger("ExternalRunFarm "), metasimEnabled, args.DefaultSimDir),
	}

	for _, entry := range args.HostsToUse {
		if len(entry) != 1 {
			return nil, fmt.Errorf("each 'run_farm_hosts_to_use' entry in config_runtime.yaml must map a single host name to a spec name, got %d keys", len(entry))
		}
		for addr, specName := range entry {
			spec, ok := specs[specName]
			if !ok {
				return nil, fmt.Errorf("unknown run host spec %q for host %q in config_runtime.yaml", specName, addr)
			}
			if _, dup := farm.hosts.Load(addr); dup {
				return nil, fmt.Errorf("duplicate host name %q in 'run_farm_hosts_to_use'", addr)
			}

			farm.fpgaSlots[addr] = spec.NumFPGAs
			farm.metasimSlots[addr] = spec.NumMetasims
			farm.switchOnlyOK[addr] = spec.UseForSwitchOnly

			platform := spec.OverridePlatform
			if platform == "" {
				platform = args.DefaultPlatform
			}
			factory, ok := factories[platform]
			if !ok {
				return nil, fmt.Errorf("unknown platform %q for host %q in config_runtime.yaml", platform, addr)
			}

			simDir := spec.OverrideSimDir
			if simDir == "" {
				simDir = args.DefaultSimDir
			}
			fpgaDB := spec.OverrideFPGADB
			if fpgaDB == "" {
				fpgaDB = args.DefaultFPGADB
			}

			maxSims := spec.NumFPGAs
			if metasimEnabled {
				maxSims = spec.NumMetasims
			}

			h := NewHost(farm, addr, maxSims, platform, simDir, fpgaDB, metasimEnabled)
			h.SetDeployManager(factory(h))
			h.Bind(addr, "")
			farm.hosts.Store(addr, []*Host{h})
		}
	}

	farm.initPostprocess()
	return farm, nil
}

// PostLaunchBinding is a no-op: hosts are bound at construction.
func (f *ExternallyProvisioned) PostLaunchBinding(ctx context.Context, mock bool) error {
	return nil
}

// LaunchRunFarm is a no-op for externally provisioned hosts.
func (f *ExternallyProvisioned) LaunchRunFarm(ctx context.Context) error {
	f.log.Warn("Skipping launchrunfarm since run hosts are externally provisioned.")
	return nil
}

// TerminateRunFarm is a no-op for externally provisioned hosts.
func (f *ExternallyProvisioned) TerminateRunFarm(ctx context.Context, terminateSome map[string]int, force bool) error {
	f.log.Warn("Skipping terminaterunfarm since run hosts are externally provisioned.")
	return nil
}

// TerminateHost is a no-op for externally provisioned hosts.
func (f *ExternallyProvisioned) TerminateHost(ctx context.Context, h *Host) error {
	f.log.Warn("Skipping terminate of %s since run hosts are externally provisioned.", h.Addr())
	return nil
}

// AllHosts returns every host in handle order.
func (f *ExternallyProvisioned) AllHosts() []*Host { return f.allHostsSorted() }

// AllBoundHosts returns every host; external hosts are always bound.
func (f *ExternallyProvisioned) AllBoundHosts() []*Host { return f.boundHosts() }

// LookupByAddress finds the host at addr.
func (f *ExternallyProvisioned) LookupByAddress(addr string) (*Host, error) {
	return f.lookupByAddress(addr)
}
