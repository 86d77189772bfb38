package build

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const testExternalFarmRecipeYAML = `
build_farm_type: externally_provisioned
args:
    default_build_dir: /home/buildbot
    build_farm_hosts:
        - machine-a
        - machine-b
`

const testVitisBitBuilderYAML = `
bit_builder_type: vitis
args:
    device: xilinx_u250_gen3x16_xdma_4_1_202210_1
`

const testAlveoBitBuilderYAML = `
bit_builder_type: xilinx_alveo_u250
args: null
`

const testF1BitBuilderYAML = `
bit_builder_type: f1
args:
    s3_bucket_name: firesim-bucket
`

var _ = Describe("Build plan loading", func() {
	var dir string

	writeFile := func(name string, content string) string {
		path := filepath.Join(dir, name)
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	writeRecipes := func(bitBuilderPath string) string {
		return writeFile("config_build_recipes.yaml", `
firesim_rocket_vitis:
    PLATFORM: vitis
    DESIGN: FireSim
    TARGET_CONFIG: FourCoreConfig
    PLATFORM_CONFIG: BaseVitisConfig
    deploy_quintuplet: null
    platform_config_args:
        fpga_frequency: 140
        build_strategy: TIMING
    post_build_hook: null
    bit_builder_recipe: `+bitBuilderPath+`
firesim_rocket_alveo:
    DESIGN: FireSim
    TARGET_CONFIG: QuadCoreConfig
    PLATFORM_CONFIG: BaseXilinxAlveoConfig
    platform_config_args:
        fpga_frequency: 90
        build_strategy: TIMING
    bit_builder_recipe: `+writeFile("alveo.yaml", testAlveoBitBuilderYAML)+`
`)
	}

	writeBuildConfig := func(farmPath string, builds string) string {
		return writeFile("config_build.yaml", `
build_farm:
    base_recipe: `+farmPath+`
    recipe_arg_overrides:
        default_build_dir: /scratch/builds
builds_to_run:
`+builds)
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("builds the farm and one builder per selected recipe", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeRecipes(writeFile("vitis.yaml", testVitisBitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    - firesim_rocket_vitis\n    - firesim_rocket_alveo\n")

		plan, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "deadbeef")
		Expect(err).ToNot(HaveOccurred())
		Expect(plan.Farm).To(BeAssignableToTypeOf(&ExternallyProvisioned{}))
		Expect(plan.Builders).To(HaveLen(2))

		vitis, ok := plan.Builders[0].(*VitisBitBuilder)
		Expect(ok).To(BeTrue())
		Expect(vitis.cfg.BuildQuintuplet).To(Equal("vitis-firesim-FireSim-FourCoreConfig-BaseVitisConfig"))
		Expect(vitis.cfg.Frequency).To(Equal(140))
		Expect(vitis.cfg.Strategy).To(Equal("TIMING"))
		Expect(vitis.cfg.Commit).To(Equal("deadbeef"))
		Expect(vitis.device).To(Equal("xilinx_u250_gen3x16_xdma_4_1_202210_1"))

		alveo, ok := plan.Builders[1].(*XilinxAlveoBitBuilder)
		Expect(ok).To(BeTrue())
		Expect(alveo.cfg.BuildQuintuplet).To(Equal("xilinx_alveo_u250-firesim-FireSim-QuadCoreConfig-BaseXilinxAlveoConfig"))
	})

	It("applies recipe_arg_overrides to the build farm args", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeRecipes(writeFile("vitis.yaml", testVitisBitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    - firesim_rocket_vitis\n")

		plan, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).ToNot(HaveOccurred())

		host, err := plan.Farm.RequestBuildHost(context.Background(), "firesim_rocket_vitis")
		Expect(err).ToNot(HaveOccurred())
		Expect(host.Addr()).To(Equal("machine-a"))
		Expect(host.DestBuildDir).To(Equal("/scratch/builds"))
	})

	It("rejects builds_to_run entries without a recipe", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeRecipes(writeFile("vitis.yaml", testVitisBitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    - no_such_recipe\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("no recipe"))
	})

	It("rejects an empty builds_to_run list", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeRecipes(writeFile("vitis.yaml", testVitisBitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    []\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("builds_to_run"))
	})

	It("rejects an unknown build_farm_type", func() {
		farmPath := writeFile("bad.yaml", "build_farm_type: mainframe\nargs: {}\n")
		recipesPath := writeRecipes(writeFile("vitis.yaml", testVitisBitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    - firesim_rocket_vitis\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unknown build_farm_type"))
	})

	It("rejects an unknown bit_builder_type", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeRecipes(writeFile("bad.yaml", "bit_builder_type: asic\nargs: {}\n"))
		configPath := writeBuildConfig(farmPath, "    - firesim_rocket_vitis\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unknown bit_builder_type"))
	})

	It("requires AWS credentials for an aws_ec2 build farm", func() {
		farmPath := writeFile("ec2.yaml", `
build_farm_type: aws_ec2
args:
    build_farm_tag: mainbuildfarm
    instance_type: z1d.2xlarge
    default_build_dir: /home/centos
`)
		recipesPath := writeRecipes(writeFile("vitis.yaml", testVitisBitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    - firesim_rocket_vitis\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("AWS credentials"))
	})

	It("requires AWS credentials for the f1 bit builder", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeRecipes(writeFile("f1.yaml", testF1BitBuilderYAML))
		configPath := writeBuildConfig(farmPath, "    - firesim_rocket_vitis\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("AWS credentials"))
	})

	It("requires the quintuplet pieces in every recipe", func() {
		farmPath := writeFile("ext.yaml", testExternalFarmRecipeYAML)
		recipesPath := writeFile("config_build_recipes.yaml", `
incomplete_recipe:
    DESIGN: FireSim
    bit_builder_recipe: `+writeFile("vitis.yaml", testVitisBitBuilderYAML)+`
`)
		configPath := writeBuildConfig(farmPath, "    - incomplete_recipe\n")

		_, err := LoadPlan(configPath, recipesPath, nil, nil, nil, dir, "")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("TARGET_CONFIG"))
	})
})
