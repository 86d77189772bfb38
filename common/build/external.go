package build

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"gopkg.in/yaml.v3"
)

// BuildFarmHostEntry is one element of the 'build_farm_hosts' list. The
// yaml allows either a bare address or a single-key mapping of address to
// per-host overrides.
type BuildFarmHostEntry struct {
	Addr             string
	OverrideBuildDir string
}

type buildHostOverrides struct {
	OverrideBuildDir string `yaml:"override_build_dir"`
}

// UnmarshalYAML accepts both the scalar and the single-key mapping forms.
func (e *BuildFarmHostEntry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&e.Addr)
	case yaml.MappingNode:
		var m map[string]buildHostOverrides
		if err := value.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("each 'build_farm_hosts' mapping in config_build.yaml must map a single address to options, got %d keys", len(m))
		}
		for addr, overrides := range m {
			e.Addr = addr
			e.OverrideBuildDir = overrides.OverrideBuildDir
		}
		return nil
	default:
		return fmt.Errorf("'build_farm_hosts' entries in config_build.yaml must be an address or a single-key mapping")
	}
}

// ExternalBuildArgs is the 'args' section of an externally_provisioned
// build farm in config_build.yaml.
type ExternalBuildArgs struct {
	DefaultBuildDir string               `yaml:"default_build_dir"`
	BuildFarmHosts  []BuildFarmHostEntry `yaml:"build_farm_hosts"`
}

// ExternallyProvisioned hands out a fixed, user-supplied list of build
// hosts. Initialization and release are no-ops.
type ExternallyProvisioned struct {
	log logger.Logger

	mu        sync.Mutex
	hosts     []*BuildHost
	allocated int
}

// NewExternallyProvisioned builds one BuildHost per configured address.
func NewExternallyProvisioned(args ExternalBuildArgs) (*ExternallyProvisioned, error) {
	farm := &ExternallyProvisioned{log: config.GetLogger("ExternalBuildFarm ")}

	for _, entry := range args.BuildFarmHosts {
		dir := entry.OverrideBuildDir
		if dir == "" {
			dir = args.DefaultBuildDir
		}
		if dir == "" {
			return nil, fmt.Errorf("build host %q has no build dir; set 'default_build_dir' or 'override_build_dir' in config_build.yaml", entry.Addr)
		}

		host := &BuildHost{DestBuildDir: dir}
		host.Bind(entry.Addr, "")
		farm.hosts = append(farm.hosts, host)
	}
	return farm, nil
}

// RequestBuildHost assigns the next unused host to the build.
func (f *ExternallyProvisioned) RequestBuildHost(ctx context.Context, buildName string) (*BuildHost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.allocated >= len(f.hosts) {
		return nil, fmt.Errorf("more builds requested in config_build.yaml than the %d build hosts provided", len(f.hosts))
	}
	host := f.hosts[f.allocated]
	host.BuildName = buildName
	f.allocated++
	return host, nil
}

// WaitOnBuildHostInitialization is a no-op: the hosts already exist.
func (f *ExternallyProvisioned) WaitOnBuildHostInitialization(ctx context.Context, h *BuildHost) error {
	return nil
}

// ReleaseBuildHost is a no-op: cleanup is up to whoever provided the host.
func (f *ExternallyProvisioned) ReleaseBuildHost(ctx context.Context, h *BuildHost) error {
	f.log.Info("Releasing build host %s; externally provisioned hosts are not terminated.", h.Addr())
	return nil
}
