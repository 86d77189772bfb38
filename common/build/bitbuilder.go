package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/remote"
)

// ExecutorProvider opens a remote session to a build host.
type ExecutorProvider func(ctx context.Context, addr string) (remote.Executor, error)

// Config is one build recipe instance from config_build.yaml, with the
// metadata stamped into the resulting bitstream.
type Config struct {
	// Name is the recipe name; it becomes the hwdb entry name.
	Name string

	// BuildQuintuplet is platform-bitbuilder-design-targetconfig-platformconfig.
	BuildQuintuplet string

	// DeployQuintuplet is the effective quintuplet simulations deploy
	// with; defaults to the build quintuplet.
	DeployQuintuplet string

	// Frequency (MHz) and Strategy are forwarded to the FPGA toolchain.
	Frequency int
	Strategy  string

	// Commit is the firesim git commit the build was produced from.
	Commit string

	BuildMakefrag  string
	DeployMakefrag string

	// PostBuildHook is a local script run against the results dir after a
	// successful build.
	PostBuildHook string
}

// EffectiveDeployQuintuplet returns the deploy quintuplet, falling back to
// the build quintuplet.
func (c Config) EffectiveDeployQuintuplet() string {
	if c.DeployQuintuplet != "" {
		return c.DeployQuintuplet
	}
	return c.BuildQuintuplet
}

// triplet strips the platform and bitbuilder pieces off a quintuplet.
func triplet(quintuplet string) string {
	pieces := strings.Split(quintuplet, "-")
	if len(pieces) < 5 {
		return quintuplet
	}
	return strings.Join(pieces[2:], "-")
}

// BuildTriplet returns design-targetconfig-platformconfig of the build.
func (c Config) BuildTriplet() string { return triplet(c.BuildQuintuplet) }

// DeployTriplet returns design-targetconfig-platformconfig of the deploy
// quintuplet.
func (c Config) DeployTriplet() string { return triplet(c.EffectiveDeployQuintuplet()) }

// BuildDirName uniquely names the local results directory for this build.
func (c Config) BuildDirName() string {
	return fmt.Sprintf("%s-%s", c.BuildQuintuplet, c.Name)
}

// MetadataDescription serializes the build's metadata into the description
// string stamped on the produced bitstream, in the same format across
// platforms so deploy quintuplets can be recovered later.
func (c Config) MetadataDescription() (string, error) {
	tags := map[string]string{
		awstools.TagBuildQuintuplet:  c.BuildQuintuplet,
		awstools.TagDeployQuintuplet: c.EffectiveDeployQuintuplet(),
		awstools.TagBuildTriplet:     c.BuildTriplet(),
		awstools.TagDeployTriplet:    c.DeployTriplet(),
		awstools.TagCommit:           c.Commit,
	}
	if c.BuildMakefrag != "" {
		tags[awstools.TagBuildMakefrag] = c.BuildMakefrag
	}
	if c.DeployMakefrag != "" {
		tags[awstools.TagDeployMakefrag] = c.DeployMakefrag
	}

	for key, value := range tags {
		if len(value) > 255 {
			return "", fmt.Errorf("metadata tag %s exceeds 255 chars", key)
		}
	}
	return awstools.TagsToDescription(tags)
}

// BitBuilder turns a built design into a deployable bitstream artifact on
// a build host.
type BitBuilder interface {
	// Setup runs any one-time preparation before builds start.
	Setup(ctx context.Context) error

	// BuildBitstream runs the full flow on a host from the build farm:
	// toolchain invocation, artifact collection, and host release. When
	// bypass is set the host is released immediately without building.
	BuildBitstream(ctx context.Context, bypass bool) error
}

var (
	_ BitBuilder = (*F1BitBuilder)(nil)
	_ BitBuilder = (*VitisBitBuilder)(nil)
	_ BitBuilder = (*XilinxAlveoBitBuilder)(nil)

	_ BuildFarm = (*AWSEC2)(nil)
	_ BuildFarm = (*ExternallyProvisioned)(nil)
)

// writeHWDBEntry drops a ready-to-paste config_hwdb.yaml snippet into the
// built-hwdb-entries dir so finished builds can be cat'ed together.
func writeHWDBEntry(resultsDir string, name string, entry string) (string, error) {
	entriesDir := filepath.Join(resultsDir, "built-hwdb-entries")
	if err := os.MkdirAll(entriesDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(entriesDir, name)
	if err := os.WriteFile(path, []byte(entry), 0644); err != nil {
		return "", err
	}
	return path, nil
}
