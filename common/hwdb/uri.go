package hwdb

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used for bitstream and driver
// downloads.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// URIContainer resolves a bitstream or driver tarball URI into a local
// staging file that can then be pushed to run farm hosts. Plain paths are
// used in place; s3:// URIs are downloaded.
type URIContainer struct {
	api    S3API
	logger *zap.Logger
}

// NewURIContainer builds a resolver using the default AWS SDK config. The
// S3 client is only exercised when an s3:// URI is actually fetched.
func NewURIContainer(ctx context.Context, logger *zap.Logger) (*URIContainer, error) {
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("Failed to load AWS SDK config", zap.Error(err))
		return nil, err
	}
	return NewURIContainerWithAPI(s3.NewFromConfig(sdkConfig), logger), nil
}

// NewURIContainerWithAPI builds a resolver around an existing S3 handle.
func NewURIContainerWithAPI(api S3API, logger *zap.Logger) *URIContainer {
	return &URIContainer{api: api, logger: logger}
}

// Fetch resolves uri into a local file named destName inside destDir and
// returns the local path. Local paths are returned as-is after an
// existence check.
func (u *URIContainer) Fetch(ctx context.Context, uri string, destDir string, destName string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		if _, statErr := os.Stat(uri); statErr != nil {
			return "", errors.Wrapf(statErr, "local file %s", uri)
		}
		return uri, nil
	}

	if parsed.Scheme != "s3" {
		return "", errors.Errorf("unsupported URI scheme %q in %s", parsed.Scheme, uri)
	}

	bucket := parsed.Host
	key := parsed.Path
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}

	u.logger.Info("Downloading object from S3",
		zap.String("bucket", bucket),
		zap.String("key", key))

	output, err := u.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", errors.Wrapf(err, "fetching s3://%s/%s", bucket, key)
	}
	defer func() { _ = output.Body.Close() }()

	if err = os.MkdirAll(destDir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", destDir)
	}

	localPath := filepath.Join(destDir, destName)
	dst, err := os.Create(localPath)
	if err != nil {
		return "", errors.Wrapf(err, "creating %s", localPath)
	}
	defer func() { _ = dst.Close() }()

	if _, err = io.Copy(dst, output.Body); err != nil {
		return "", errors.Wrapf(err, "writing %s", localPath)
	}

	u.logger.Debug("Downloaded object", zap.String("path", localPath))
	return localPath, nil
}
