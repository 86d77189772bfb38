package awstools

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// afiStubEC2 scripts the FPGA image surface of the EC2 API.
type afiStubEC2 struct {
	createInput  *ec2.CreateFpgaImageInput
	describeFn   func(params *ec2.DescribeFpgaImagesInput) (*ec2.DescribeFpgaImagesOutput, error)
	describeCall int
}

func (s *afiStubEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return &ec2.RunInstancesOutput{}, nil
}

func (s *afiStubEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{}, nil
}

func (s *afiStubEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return &ec2.TerminateInstancesOutput{}, nil
}

func (s *afiStubEC2) DescribeFpgaImages(ctx context.Context, params *ec2.DescribeFpgaImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeFpgaImagesOutput, error) {
	s.describeCall++
	return s.describeFn(params)
}

func (s *afiStubEC2) CreateFpgaImage(ctx context.Context, params *ec2.CreateFpgaImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateFpgaImageOutput, error) {
	s.createInput = params
	return &ec2.CreateFpgaImageOutput{
		FpgaImageGlobalId: aws.String("agfi-0aaaabbbbccccdddd"),
		FpgaImageId:       aws.String("afi-0aaaabbbbccccdddd"),
	}, nil
}

func describeWithState(code ec2types.FpgaImageStateCode, description string) func(*ec2.DescribeFpgaImagesInput) (*ec2.DescribeFpgaImagesOutput, error) {
	return func(*ec2.DescribeFpgaImagesInput) (*ec2.DescribeFpgaImagesOutput, error) {
		return &ec2.DescribeFpgaImagesOutput{
			FpgaImages: []ec2types.FpgaImage{
				{
					State:       &ec2types.FpgaImageState{Code: code},
					Description: aws.String(description),
				},
			},
		}, nil
	}
}

var _ = Describe("AFI description tags", func() {
	It("encodes keys deterministically and decodes back", func() {
		tags := map[string]string{
			TagDeployQuintuplet: "f1-firesim-FireSim-FourCoreConfig-BaseF1Config",
			TagCommit:           "deadbeef",
		}

		encoded, err := TagsToDescription(tags)
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(Equal("firesim-commit=deadbeef,firesim-deployquintuplet=f1-firesim-FireSim-FourCoreConfig-BaseF1Config"))

		decoded, err := DescriptionToTags(encoded)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(Equal(tags))
	})

	It("splits long values with '%' and rejoins them on decode", func() {
		long := strings.Repeat("a", 300)
		encoded, err := TagsToDescription(map[string]string{"k": long})
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).To(ContainSubstring("%"))

		decoded, err := DescriptionToTags(encoded)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded["k"]).To(Equal(long))
	})

	It("rejects keys and values containing reserved characters", func() {
		_, err := TagsToDescription(map[string]string{"bad,key": "v"})
		Expect(err).To(HaveOccurred())

		_, err = TagsToDescription(map[string]string{"k": "bad=value"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects malformed description segments", func() {
		_, err := DescriptionToTags("noequalsign")
		Expect(err).To(HaveOccurred())
	})

	It("decodes an empty description into an empty map", func() {
		decoded, err := DescriptionToTags("")
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(BeEmpty())
	})
})

var _ = Describe("AFI lifecycle", func() {
	It("creates an FPGA image pointing at the uploaded DCP", func() {
		stub := &afiStubEC2{}
		client := NewClientWithAPI(stub, zap.NewNop())

		agfi, afi, err := client.CreateAFI(context.Background(), "firesim-test", "k=v", "firesim-bucket", "dcp/design.tar", "logs/")
		Expect(err).ToNot(HaveOccurred())
		Expect(agfi).To(Equal("agfi-0aaaabbbbccccdddd"))
		Expect(afi).To(Equal("afi-0aaaabbbbccccdddd"))

		Expect(stub.createInput).ToNot(BeNil())
		Expect(aws.ToString(stub.createInput.Name)).To(Equal("firesim-test"))
		Expect(aws.ToString(stub.createInput.InputStorageLocation.Bucket)).To(Equal("firesim-bucket"))
		Expect(aws.ToString(stub.createInput.InputStorageLocation.Key)).To(Equal("dcp/design.tar"))
		Expect(aws.ToString(stub.createInput.LogsStorageLocation.Key)).To(Equal("logs/"))
	})

	It("returns once the AFI is available", func() {
		stub := &afiStubEC2{describeFn: describeWithState(ec2types.FpgaImageStateCodeAvailable, "")}
		client := NewClientWithAPI(stub, zap.NewNop())

		Expect(client.WaitOnAFIAvailable(context.Background(), "afi-1")).To(Succeed())
		Expect(stub.describeCall).To(Equal(1))
	})

	It("fails when ingestion ends in a non-available state", func() {
		stub := &afiStubEC2{describeFn: describeWithState(ec2types.FpgaImageStateCodeFailed, "")}
		client := NewClientWithAPI(stub, zap.NewNop())

		err := client.WaitOnAFIAvailable(context.Background(), "afi-1")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("instead of available"))
	})

	It("fails when the AFI does not exist", func() {
		stub := &afiStubEC2{describeFn: func(*ec2.DescribeFpgaImagesInput) (*ec2.DescribeFpgaImagesOutput, error) {
			return &ec2.DescribeFpgaImagesOutput{}, nil
		}}
		client := NewClientWithAPI(stub, zap.NewNop())

		err := client.WaitOnAFIAvailable(context.Background(), "afi-1")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("no FPGA image"))
	})

	It("stops waiting when the context is cancelled", func() {
		stub := &afiStubEC2{describeFn: describeWithState(ec2types.FpgaImageStateCodePending, "")}
		client := NewClientWithAPI(stub, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(client.WaitOnAFIAvailable(ctx, "afi-1")).To(MatchError(context.Canceled))
	})

	It("extracts the deploy quintuplet from an AGFI's description", func() {
		description, err := TagsToDescription(map[string]string{
			TagDeployQuintuplet: "f1-firesim-FireSim-FourCoreConfig-BaseF1Config",
		})
		Expect(err).ToNot(HaveOccurred())

		stub := &afiStubEC2{describeFn: describeWithState(ec2types.FpgaImageStateCodeAvailable, description)}
		client := NewClientWithAPI(stub, zap.NewNop())

		quintuplet, err := client.DeployQuintupletForAGFI(context.Background(), "agfi-123")
		Expect(err).ToNot(HaveOccurred())
		Expect(quintuplet).To(Equal("f1-firesim-FireSim-FourCoreConfig-BaseF1Config"))
	})

	It("errors when an AGFI carries no deploy quintuplet tag", func() {
		stub := &afiStubEC2{describeFn: describeWithState(ec2types.FpgaImageStateCodeAvailable, "firesim-commit=deadbeef")}
		client := NewClientWithAPI(stub, zap.NewNop())

		_, err := client.DeployQuintupletForAGFI(context.Background(), "agfi-123")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("no firesim-deployquintuplet tag"))
	})
})
