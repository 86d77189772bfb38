package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	pkgerrors "github.com/pkg/errors"
)

// VitisArgs is the 'args' section of the vitis bitbuilder in a build
// recipe.
type VitisArgs struct {
	Device string `yaml:"device"`
}

// VitisBitBuilder produces an xclbin with v++ on a build host and packs it
// into a local bitstream tar a run farm can deploy from.
type VitisBitBuilder struct {
	log logger.Logger

	cfg      Config
	farm     BuildFarm
	provider ExecutorProvider
	device   string

	resultsDir string
}

// NewVitisBitBuilder wires the Vitis flow for one build recipe.
func NewVitisBitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, args VitisArgs, resultsDir string) (*VitisBitBuilder, error) {
	if args.Device == "" {
		return nil, fmt.Errorf("vitis bitbuilder requires 'device' in config_build.yaml")
	}
	return &VitisBitBuilder{
		log:        config.GetLogger("VitisBitBuilder "),
		cfg:        cfg,
		farm:       farm,
		provider:   provider,
		device:     args.Device,
		resultsDir: resultsDir,
	}, nil
}

// Setup has nothing to prepare for Vitis builds.
func (b *VitisBitBuilder) Setup(ctx context.Context) error { return nil }

func (b *VitisBitBuilder) clDir(destBuildDir string) string {
	return fmt.Sprintf("%s/platforms/vitis/cl_%s", destBuildDir, b.cfg.BuildQuintuplet)
}

// BuildBitstream runs v++ on a build host, packs the xclbin into
// firesim.tar.gz locally, and releases the host.
func (b *VitisBitBuilder) BuildBitstream(ctx context.Context, bypass bool) error {
	host, err := b.farm.RequestBuildHost(ctx, b.cfg.Name)
	if err != nil {
		return err
	}
	if bypass {
		return b.farm.ReleaseBuildHost(ctx, host)
	}
	if err = b.farm.WaitOnBuildHostInitialization(ctx, host); err != nil {
		return err
	}

	if err = b.buildOn(ctx, host); err != nil {
		b.log.Error("FPGA build failed for quintuplet %s: %v", b.cfg.BuildQuintuplet, err)
		if releaseErr := b.farm.ReleaseBuildHost(ctx, host); releaseErr != nil {
			b.log.Warn("Releasing build host after failure: %v", releaseErr)
		}
		return err
	}
	return b.farm.ReleaseBuildHost(ctx, host)
}

func (b *VitisBitBuilder) buildOn(ctx context.Context, host *BuildHost) error {
	b.log.Info("Building Vitis Bitstream from Verilog")

	exec, err := b.provider(ctx, host.Addr())
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	clDir := b.clDir(host.DestBuildDir)
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s", clDir)); err != nil {
		return err
	}

	cmd := fmt.Sprintf("%s/build-bitstream.sh --build_dir %s --device %s --frequency %d --strategy %s",
		clDir, clDir, b.device, b.cfg.Frequency, b.cfg.Strategy)
	if err = runBuildScript(ctx, b.log, exec, cmd); err != nil {
		return err
	}

	localDir := filepath.Join(b.resultsDir, b.cfg.BuildDirName())
	if err = os.MkdirAll(localDir, 0755); err != nil {
		return err
	}

	localBit := filepath.Join(localDir, "firesim.xclbin")
	remoteBit := fmt.Sprintf("%s/bitstream/build_dir.%s/firesim.xclbin", clDir, b.device)
	if err = exec.Get(ctx, remoteBit, localBit); err != nil {
		return pkgerrors.Wrap(err, "copying xclbin back")
	}

	metadata, err := b.cfg.MetadataDescription()
	if err != nil {
		return err
	}
	tarPath := filepath.Join(localDir, "firesim.tar.gz")
	if err = packBitstreamTar(tarPath, "vitis", metadata, map[string]string{"firesim.xclbin": localBit}); err != nil {
		return err
	}

	entry := fmt.Sprintf("%s:\n    bitstream_tar: file://%s\n    deploy_quintuplet_override: null\n    custom_runtime_config: null\n",
		b.cfg.Name, tarPath)
	entryPath, err := writeHWDBEntry(b.resultsDir, b.cfg.Name, entry)
	if err != nil {
		return err
	}
	b.log.Info("Your bitstream has been created! Add\n\n%s\nto your config_hwdb.yaml to use this hardware configuration.", entry)

	runPostBuildHook(b.log, b.cfg.PostBuildHook, localDir)

	b.log.Info("Build complete! Vitis bitstream ready. See %s.", entryPath)
	return nil
}
