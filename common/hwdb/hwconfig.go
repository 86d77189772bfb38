package hwdb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

const (
	// DriverTarFilename is the name of the driver tarball inside the
	// sim_slot_X directory on the run host.
	DriverTarFilename = "driver-bundle.tar.gz"

	// BitstreamTarFilename is the name of the bitstream tarball inside the
	// sim_slot_X directory on the run host.
	BitstreamTarFilename = "firesim.tar.gz"

	// PlatformF1 is implied by any hwdb entry that names an AGFI.
	PlatformF1 = "f1"
)

// QuintupletResolver resolves the deploy quintuplet encoded in an AGFI's
// description. awstools.Client is the production implementation.
type QuintupletResolver interface {
	DeployQuintupletForAGFI(ctx context.Context, agfi string) (string, error)
}

// RuntimeHWConfig is one entry of config_hwdb.yaml: a hardware design that
// simulations can be deployed against.
type RuntimeHWConfig struct {
	log logger.Logger

	Name     string
	Platform string

	// Exactly one of AGFI / BitstreamTar is set.
	AGFI         string
	BitstreamTar string

	DriverTar            string
	CustomRuntimeConfig  string
	deployQuintuplet     string // resolved lazily for f1 entries
	deployQuintupletOnce sync.Once

	hwdbFile string
}

type hwconfigEntry struct {
	AGFI                     string `yaml:"agfi"`
	BitstreamTar             string `yaml:"bitstream_tar"`
	DriverTar                string `yaml:"driver_tar"`
	DeployQuintupletOverride string `yaml:"deploy_quintuplet_override"`
	CustomRuntimeConfig      string `yaml:"custom_runtime_config"`
}

func newRuntimeHWConfig(name string, entry hwconfigEntry, hwdbFile string) (*RuntimeHWConfig, error) {
	if (entry.AGFI != "") == (entry.BitstreamTar != "") {
		return nil, fmt.Errorf("hwdb entry %q in %s must set exactly one of 'agfi' or 'bitstream_tar'", name, hwdbFile)
	}

	conf := &RuntimeHWConfig{
		log:                 config.GetLogger(fmt.Sprintf("HWConfig %s ", name)),
		Name:                name,
		AGFI:                entry.AGFI,
		BitstreamTar:        entry.BitstreamTar,
		DriverTar:           entry.DriverTar,
		CustomRuntimeConfig: entry.CustomRuntimeConfig,
		deployQuintuplet:    entry.DeployQuintupletOverride,
		hwdbFile:            hwdbFile,
	}

	if conf.AGFI != "" {
		conf.Platform = PlatformF1
	}

	if entry.DeployQuintupletOverride != "" {
		conf.log.Warn("%s is overriding the deploy quintuplet in %s. Make sure you understand why!", name, hwdbFile)
		if pieces := strings.Split(entry.DeployQuintupletOverride, "-"); len(pieces) >= 1 && conf.Platform == "" {
			conf.Platform = pieces[0]
		}
	}

	return conf, nil
}

// SetPlatform records the platform for non-f1 entries once the run farm
// host's platform is known. Conflicting assignments are an error.
func (c *RuntimeHWConfig) SetPlatform(platform string) error {
	if c.Platform != "" && c.Platform != platform {
		return fmt.Errorf("hwdb entry %q platform is already %s (cannot set it to %s)", c.Name, c.Platform, platform)
	}
	c.Platform = platform
	return nil
}

// DeployQuintuplet returns the deploy quintuplet for this configuration,
// querying the AGFI's description the first time for f1 entries.
func (c *RuntimeHWConfig) DeployQuintuplet(ctx context.Context, resolver QuintupletResolver) (string, error) {
	if c.deployQuintuplet != "" {
		return c.deployQuintuplet, nil
	}

	if c.Platform != PlatformF1 {
		return "", fmt.Errorf("hwdb entry %q has no deploy quintuplet and is not an f1 entry", c.Name)
	}

	var resolveErr error
	c.deployQuintupletOnce.Do(func() {
		c.log.Debug("Setting deploy quintuplet by querying the AGFI's description.")
		c.deployQuintuplet, resolveErr = resolver.DeployQuintupletForAGFI(ctx, c.AGFI)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	if c.deployQuintuplet == "" {
		return "", fmt.Errorf("unable to resolve deploy quintuplet for hwdb entry %q", c.Name)
	}
	return c.deployQuintuplet, nil
}

// DesignName returns the target design name, the third piece of the deploy
// quintuplet. It is used to name the simulation driver binary.
func (c *RuntimeHWConfig) DesignName(ctx context.Context, resolver QuintupletResolver) (string, error) {
	quintuplet, err := c.DeployQuintuplet(ctx, resolver)
	if err != nil {
		return "", err
	}
	pieces := strings.Split(quintuplet, "-")
	if len(pieces) < 3 {
		return "", fmt.Errorf("malformed deploy quintuplet %q for hwdb entry %q", quintuplet, c.Name)
	}
	return pieces[2], nil
}

// DriverBinaryName returns the name of the simulation driver binary for
// this configuration, e.g. "FireSim-f1".
func (c *RuntimeHWConfig) DriverBinaryName(ctx context.Context, resolver QuintupletResolver) (string, error) {
	design, err := c.DesignName(ctx, resolver)
	if err != nil {
		return "", err
	}
	return design + "-" + c.Platform, nil
}

func (c *RuntimeHWConfig) String() string {
	return fmt.Sprintf("RuntimeHWConfig(name=%s platform=%s agfi=%s bitstream_tar=%s)",
		c.Name, c.Platform, c.AGFI, c.BitstreamTar)
}
