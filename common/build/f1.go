package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/remote"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

// S3API is the subset of the S3 client the F1 builder uses to stage DCP
// tarballs for AFI ingestion.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// NewS3API builds the S3 handle the F1 flow stages DCP tarballs with,
// using the default AWS SDK configuration.
func NewS3API(ctx context.Context) (S3API, error) {
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(sdkConfig), nil
}

// F1Args is the 'args' section of the f1 bitbuilder in a build recipe.
type F1Args struct {
	S3Bucket string `yaml:"s3_bucket_name"`
}

// F1BitBuilder converts a Vivado DCP tarball into an AGFI: the tar is
// produced on the build host, uploaded to S3, registered as an FPGA image,
// and polled until available.
type F1BitBuilder struct {
	log logger.Logger

	cfg      Config
	farm     BuildFarm
	provider ExecutorProvider

	client *awstools.Client
	s3     S3API
	bucket string

	// resultsDir is the local results-build area.
	resultsDir string
}

// NewF1BitBuilder wires the F1 flow for one build recipe.
func NewF1BitBuilder(cfg Config, farm BuildFarm, provider ExecutorProvider, client *awstools.Client, s3api S3API, args F1Args, resultsDir string) (*F1BitBuilder, error) {
	if args.S3Bucket == "" {
		return nil, fmt.Errorf("f1 bitbuilder requires 's3_bucket_name' in config_build.yaml")
	}
	return &F1BitBuilder{
		log:        config.GetLogger("F1BitBuilder "),
		cfg:        cfg,
		farm:       farm,
		provider:   provider,
		client:     client,
		s3:         s3api,
		bucket:     args.S3Bucket,
		resultsDir: resultsDir,
	}, nil
}

// Setup creates the S3 bucket if it does not exist yet.
func (b *F1BitBuilder) Setup(ctx context.Context) error {
	_, err := b.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if pkgerrors.As(err, &owned) || pkgerrors.As(err, &exists) {
			return nil
		}
		return pkgerrors.Wrapf(err, "creating S3 bucket %s", b.bucket)
	}
	return nil
}

func (b *F1BitBuilder) clDir(destBuildDir string) string {
	return fmt.Sprintf("%s/platforms/f1/aws-fpga/hdk/cl/developer_designs/cl_%s",
		destBuildDir, b.cfg.BuildQuintuplet)
}

// BuildBitstream runs Vivado on a build host, converts the resulting tar
// into an AGFI, and releases the host.
func (b *F1BitBuilder) BuildBitstream(ctx context.Context, bypass bool) error {
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

func (b *F1BitBuilder) buildOn(ctx context.Context, host *BuildHost) error {
	b.log.Info("Building AWS F1 AGFI from Verilog")

	exec, err := b.provider(ctx, host.Addr())
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	clDir := b.clDir(host.DestBuildDir)
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s", clDir)); err != nil {
		return err
	}

	cmd := fmt.Sprintf("%s/build-bitstream.sh --cl_dir %s --frequency %d --strategy %s",
		clDir, clDir, b.cfg.Frequency, b.cfg.Strategy)
	if err = runBuildScript(ctx, b.log, exec, cmd); err != nil {
		return err
	}

	toAWS := clDir + "/build/checkpoints/to_aws/"
	res, err := exec.Run(ctx, remote.InDir(toAWS, "ls *.tar"))
	if err != nil {
		return pkgerrors.Wrap(err, "locating DCP tarball")
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return fmt.Errorf("no DCP tarball produced in %s", toAWS)
	}
	tarName := fields[len(fields)-1]

	localDir := filepath.Join(b.resultsDir, b.cfg.BuildDirName())
	if err = os.MkdirAll(localDir, 0755); err != nil {
		return err
	}
	localTar := filepath.Join(localDir, tarName)
	if err = exec.Get(ctx, toAWS+tarName, localTar); err != nil {
		return pkgerrors.Wrap(err, "copying DCP tarball back")
	}

	agfi, err := b.createAFI(ctx, host.Addr(), localTar, tarName)
	if err != nil {
		return err
	}

	entry := fmt.Sprintf("%s:\n    agfi: %s\n    deploy_quintuplet_override: null\n    custom_runtime_config: null\n",
		b.cfg.Name, agfi)
	entryPath, err := writeHWDBEntry(b.resultsDir, b.cfg.Name, entry)
	if err != nil {
		return err
	}
	b.log.Info("Your AGFI has been created! Add\n\n%s\nto your config_hwdb.yaml to use this hardware configuration.", entry)

	runPostBuildHook(b.log, b.cfg.PostBuildHook, localDir)

	b.log.Info("Build complete! AFI ready. See %s.", entryPath)
	return nil
}

// createAFI uploads the DCP tar and registers it, returning the AGFI.
func (b *F1BitBuilder) createAFI(ctx context.Context, hostAddr string, localTar string, tarName string) (string, error) {
	// concurrent builds can produce identically named tars, so the S3 key
	// carries the build host plus a random suffix
	dcpKey := fmt.Sprintf("dcp/%s-%s-%s.tar", tarName, hostAddr, uuid.NewString()[:10])

	body, err := os.Open(localTar)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	if _, err = b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(dcpKey),
		Body:   body,
	}); err != nil {
		return "", pkgerrors.Wrapf(err, "uploading s3://%s/%s", b.bucket, dcpKey)
	}

	description, err := b.cfg.MetadataDescription()
	if err != nil {
		return "", err
	}

	agfi, afi, err := b.client.CreateAFI(ctx, b.cfg.Name, description, b.bucket, dcpKey, "logs/")
	if err != nil {
		return "", err
	}
	b.log.Info("Resulting AGFI: %s", agfi)
	b.log.Info("Resulting AFI: %s", afi)

	b.log.Info("Waiting for create-fpga-image completion.")
	if err = b.client.WaitOnAFIAvailable(ctx, afi); err != nil {
		return "", err
	}
	return agfi, nil
}
