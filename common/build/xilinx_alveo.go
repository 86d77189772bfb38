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

// XilinxAlveoBitBuilder runs Vivado on a build host for on-prem Xilinx
// boards and packs the resulting bit/mcs images into a bitstream tar.
type XilinxAlveoBitBuilder struct {
	log logger.Logger

	cfg      Config
	farm     BuildFarm
	provider ExecutorProvider

	// platform is the deploy platform name (xilinx_alveo_u250, ...);
	// board is the Vivado board identifier passed to the build script.
	platform string
	board    string

	resultsDir string
}

// NewXilinxAlveoU200BitBuilder builds bitstreams for the Alveo U200.
func NewXilinxAlveoU200BitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, resultsDir string) *XilinxAlveoBitBuilder {
	return newXilinxAlveoBitBuilder(cfg, farm, provider, "xilinx_alveo_u200", "au200", resultsDir)
}

// NewXilinxAlveoU250BitBuilder builds bitstreams for the Alveo U250.
func NewXilinxAlveoU250BitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, resultsDir string) *XilinxAlveoBitBuilder {
	return newXilinxAlveoBitBuilder(cfg, farm, provider, "xilinx_alveo_u250", "au250", resultsDir)
}

// NewXilinxAlveoU280BitBuilder builds bitstreams for the Alveo U280.
func NewXilinxAlveoU280BitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, resultsDir string) *XilinxAlveoBitBuilder {
	return newXilinxAlveoBitBuilder(cfg, farm, provider, "xilinx_alveo_u280", "au280", resultsDir)
}

// NewNitefuryIIBitBuilder builds bitstreams for the RHS Research
// Nitefury II.
func NewNitefuryIIBitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, resultsDir string) *XilinxAlveoBitBuilder {
	return newXilinxAlveoBitBuilder(cfg, farm, provider, "rhsresearch_nitefury_ii", "nitefury", resultsDir)
}

func newXilinxAlveoBitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, platform string, board string, resultsDir string) *XilinxAlveoBitBuilder {
	return &XilinxAlveoBitBuilder{
		log:        config.GetLogger("AlveoBitBuilder "),
		cfg:        cfg,
		farm:       farm,
		provider:   provider,
		platform:   platform,
		board:      board,
		resultsDir: resultsDir,
	}
}

// Setup has nothing to prepare for on-prem Vivado builds.
func (b *XilinxAlveoBitBuilder) Setup(ctx context.Context) error { return nil }

func (b *XilinxAlveoBitBuilder) clDir(destBuildDir string) string {
	return fmt.Sprintf("%s/platforms/%s/cl_%s", destBuildDir, b.platform, b.cfg.BuildQuintuplet)
}

// BuildBitstream runs Vivado on a build host, packs firesim.bit and
// firesim.mcs into firesim.tar.gz locally, and releases the host.
func (b *XilinxAlveoBitBuilder) BuildBitstream(ctx context.Context, bypass bool) error {
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

func (b *XilinxAlveoBitBuilder) buildOn(ctx context.Context, host *BuildHost) error {
	b.log.Info("Building Xilinx Bitstream from Verilog for %s", b.platform)

	exec, err := b.provider(ctx, host.Addr())
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	clDir := b.clDir(host.DestBuildDir)
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s", clDir)); err != nil {
		return err
	}

	cmd := fmt.Sprintf("%s/build-bitstream.sh --cl_dir %s --frequency %d --strategy %s --board %s",
		clDir, clDir, b.cfg.Frequency, b.cfg.Strategy, b.board)
	if err = runBuildScript(ctx, b.log, exec, cmd); err != nil {
		return err
	}

	localDir := filepath.Join(b.resultsDir, b.cfg.BuildDirName())
	if err = os.MkdirAll(localDir, 0755); err != nil {
		return err
	}

	artifacts := make(map[string]string)
	for _, name := range []string{"firesim.bit", "firesim.mcs"} {
		local := filepath.Join(localDir, name)
		if err = exec.Get(ctx, fmt.Sprintf("%s/vivado_proj/%s", clDir, name), local); err != nil {
			return pkgerrors.Wrapf(err, "copying %s back", name)
		}
		artifacts[name] = local
	}

	metadata, err := b.cfg.MetadataDescription()
	if err != nil {
		return err
	}
	tarPath := filepath.Join(localDir, "firesim.tar.gz")
	if err = packBitstreamTar(tarPath, b.platform, metadata, artifacts); err != nil {
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

	b.log.Info("Build complete! Bitstream ready. See %s.", entryPath)
	return nil
}
