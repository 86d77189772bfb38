package manager

import (
	"context"
	"fmt"
	osexec "os/exec"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/build"
	"github.com/abejgonzalez/firesim/manager/domain"
)

// RunBuilds implements the buildbitstream task: it loads the build plan
// from config_build.yaml, runs each builder's setup, then drives every
// selected bitstream build to completion on the build farm.
func RunBuilds(ctx context.Context, opts *domain.ManagerOptions, client *awstools.Client, s3api build.S3API, provider build.ExecutorProvider) error {
	log := config.GetLogger("BuildConfig ")

	plan, err := build.LoadPlan(opts.BuildConfigFile, opts.BuildRecipesFile, client, s3api, provider, opts.BuildResultsDir, localCommit(log))
	if err != nil {
		return err
	}

	for _, builder := range plan.Builders {
		if err = builder.Setup(ctx); err != nil {
			return err
		}
	}

	failed := 0
	for _, builder := range plan.Builders {
		if buildErr := builder.BuildBitstream(ctx, false); buildErr != nil {
			log.Error("Bitstream build failed: %v", buildErr)
			failed++
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d bitstream builds failed", failed, len(plan.Builders))
	}
	log.Info("All %d bitstream builds completed successfully.", len(plan.Builders))
	return nil
}

// localCommit stamps built bitstreams with the current git commit. Builds
// proceed with an empty stamp when the working tree is not a checkout.
func localCommit(log logger.Logger) string {
	out, err := osexec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		log.Warn("Unable to determine the local git commit: %v", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}
