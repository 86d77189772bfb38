package awstools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	pkgerrors "github.com/pkg/errors"
)

// FireSim packs deploy metadata into the free-form description field of an
// AFI, because AFIs do not support arbitrary tags. The encoding is a
// comma-separated list of key=value pairs; values longer than
// maxTagValueLen are split into chunks joined by '%'.

const (
	TagBuildQuintuplet  = "firesim-buildquintuplet"
	TagDeployQuintuplet = "firesim-deployquintuplet"
	TagBuildTriplet     = "firesim-buildtriplet"
	TagDeployTriplet    = "firesim-deploytriplet"
	TagBuildMakefrag    = "firesim-buildmakefrag"
	TagDeployMakefrag   = "firesim-deploymakefrag"
	TagCommit           = "firesim-commit"

	maxTagValueLen = 255
)

// TagsToDescription encodes a tag map into an AFI description string.
// Keys are emitted in sorted order so the encoding is deterministic.
func TagsToDescription(tags map[string]string) (string, error) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if strings.ContainsAny(k, ",=%") {
			return "", fmt.Errorf("tag key %q may not contain ',', '=' or '%%'", k)
		}
		if strings.ContainsAny(tags[k], ",=%") {
			return "", fmt.Errorf("tag value %q may not contain ',', '=' or '%%'", tags[k])
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+splitLongValue(tags[k]))
	}
	return strings.Join(pairs, ","), nil
}

func splitLongValue(value string) string {
	if len(value) <= maxTagValueLen {
		return value
	}
	var chunks []string
	for len(value) > maxTagValueLen {
		chunks = append(chunks, value[:maxTagValueLen])
		value = value[maxTagValueLen:]
	}
	chunks = append(chunks, value)
	return strings.Join(chunks, "%")
}

// DescriptionToTags decodes an AFI description string back into a tag map,
// rejoining '%'-split values.
func DescriptionToTags(description string) (map[string]string, error) {
	tags := make(map[string]string)
	description = strings.TrimSpace(description)
	if description == "" {
		return tags, nil
	}
	for _, pair := range strings.Split(description, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed AFI description segment %q", pair)
		}
		tags[key] = strings.ReplaceAll(value, "%", "")
	}
	return tags, nil
}

// afiPollInterval is how often a pending FPGA image is re-described while
// waiting for ingestion to finish.
const afiPollInterval = 10 * time.Second

// CreateAFI registers a Vivado DCP tarball already uploaded to S3 as a new
// FPGA image and returns the resulting (AGFI, AFI) pair.
func (c *Client) CreateAFI(ctx context.Context, name string, description string, bucket string, dcpKey string, logsKey string) (string, string, error) {
	output, err := c.api.CreateFpgaImage(ctx, &ec2.CreateFpgaImageInput{
		Name:        aws.String(name),
		Description: aws.String(description),
		InputStorageLocation: &ec2types.StorageLocation{
			Bucket: aws.String(bucket),
			Key:    aws.String(dcpKey),
		},
		LogsStorageLocation: &ec2types.StorageLocation{
			Bucket: aws.String(bucket),
			Key:    aws.String(logsKey),
		},
	})
	if err != nil {
		return "", "", pkgerrors.Wrapf(err, "creating FPGA image %s", name)
	}
	return aws.ToString(output.FpgaImageGlobalId), aws.ToString(output.FpgaImageId), nil
}

// WaitOnAFIAvailable polls the AFI until it leaves the pending state,
// returning an error if ingestion ends in any state but available.
func (c *Client) WaitOnAFIAvailable(ctx context.Context, afi string) error {
	for {
		output, err := c.api.DescribeFpgaImages(ctx, &ec2.DescribeFpgaImagesInput{
			FpgaImageIds: []string{afi},
		})
		if err != nil {
			return pkgerrors.Wrapf(err, "describing AFI %s", afi)
		}
		if len(output.FpgaImages) == 0 {
			return fmt.Errorf("no FPGA image found for AFI %s", afi)
		}

		state := output.FpgaImages[0].State
		code := ec2types.FpgaImageStateCodePending
		if state != nil {
			code = state.Code
		}
		c.logger.Sugar().Infof("AFI %s state: %s", afi, code)

		switch code {
		case ec2types.FpgaImageStateCodeAvailable:
			return nil
		case ec2types.FpgaImageStateCodePending:
		default:
			return fmt.Errorf("AFI %s entered state %q instead of available", afi, code)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(afiPollInterval):
		}
	}
}

// DeployQuintupletForAGFI queries the AGFI's description and extracts the
// deploy quintuplet tag. The hwdb layer memoizes the result.
func (c *Client) DeployQuintupletForAGFI(ctx context.Context, agfi string) (string, error) {
	output, err := c.api.DescribeFpgaImages(ctx, &ec2.DescribeFpgaImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("fpga-image-global-id"), Values: []string{agfi}},
		},
	})
	if err != nil {
		return "", pkgerrors.Wrapf(err, "describing AGFI %s", agfi)
	}
	if len(output.FpgaImages) == 0 {
		return "", fmt.Errorf("no FPGA image found for AGFI %s", agfi)
	}

	tags, err := DescriptionToTags(aws.ToString(output.FpgaImages[0].Description))
	if err != nil {
		return "", pkgerrors.Wrapf(err, "decoding description of AGFI %s", agfi)
	}

	quintuplet, ok := tags[TagDeployQuintuplet]
	if !ok {
		return "", fmt.Errorf("AGFI %s carries no %s tag", agfi, TagDeployQuintuplet)
	}
	return quintuplet, nil
}
