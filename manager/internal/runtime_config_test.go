package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/abejgonzalez/firesim/common/utils"
	"github.com/abejgonzalez/firesim/manager/domain"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

const testHWDBYAML = `
firesim_rocket_quadcore:
    agfi: null
    bitstream_tar: %s
    driver_tar: null
    deploy_quintuplet_override: vitis-vitis-FireSim-FourCoreConfig-BaseVitisConfig
    custom_runtime_config: null
`

const testExternalRecipeYAML = `
run_farm_type: externally_provisioned
args:
    default_platform: vitis
    default_simulation_dir: /home/buildbot/sim
    default_fpga_db: /opt/fpga_db.json
    run_farm_host_specs:
        - four_fpgas_spec:
            num_fpgas: 4
            num_metasims: 0
            use_for_switch_only: false
    run_farm_hosts_to_use:
        - machine-a: four_fpgas_spec
`

const testRuntimeYAML = `
run_farm:
    base_recipe: %s
    recipe_arg_overrides:
        default_simulation_dir: /scratch/sim
metasimulation:
    metasimulation_enabled: false
    metasimulation_host_simulator: verilator
target_config:
    topology: no_net_config
    no_net_num_nodes: 2
    link_latency: 6405
    switching_latency: 10
    net_bandwidth: 200
    profile_interval: -1
    default_hw_config: firesim_rocket_quadcore
workload:
    workload_name: linux-uniform.json
    suffix_tag: testtag
    terminate_on_completion: false
`

// writeTestConfigs drops a runnable runtime/hwdb/recipe trio into dir and
// returns ready-to-use manager options.
func writeTestConfigs(dir string, recipeYAML string) *domain.ManagerOptions {
	artifact := filepath.Join(dir, "firesim.tar.gz")
	Expect(os.WriteFile(artifact, []byte("tar-bytes"), 0644)).To(Succeed())

	hwdbPath := filepath.Join(dir, "config_hwdb.yaml")
	Expect(os.WriteFile(hwdbPath, []byte(fmt.Sprintf(testHWDBYAML, artifact)), 0644)).To(Succeed())

	recipePath := filepath.Join(dir, "recipe.yaml")
	Expect(os.WriteFile(recipePath, []byte(recipeYAML), 0644)).To(Succeed())

	runtimePath := filepath.Join(dir, "config_runtime.yaml")
	Expect(os.WriteFile(runtimePath, []byte(fmt.Sprintf(testRuntimeYAML, recipePath)), 0644)).To(Succeed())

	return &domain.ManagerOptions{
		RuntimeConfigFile: runtimePath,
		HWDBConfigFile:    hwdbPath,
		ResultsDir:        filepath.Join(dir, "results-workload"),
	}
}

var _ = Describe("ParseTerminateSome", func() {
	It("returns an empty map for an empty restriction", func() {
		some, err := ParseTerminateSome("")
		Expect(err).ToNot(HaveOccurred())
		Expect(some).To(BeEmpty())
	})

	It("parses a single handle:count pair", func() {
		some, err := ParseTerminateSome("f1.16xlarge:2")
		Expect(err).ToNot(HaveOccurred())
		Expect(some).To(Equal(map[string]int{"f1.16xlarge": 2}))
	})

	It("parses multiple pairs and accumulates repeats", func() {
		some, err := ParseTerminateSome("f1.16xlarge:2, f1.2xlarge:1,f1.16xlarge:1")
		Expect(err).ToNot(HaveOccurred())
		Expect(some).To(Equal(map[string]int{"f1.16xlarge": 3, "f1.2xlarge": 1}))
	})

	It("rejects an entry without a count", func() {
		_, err := ParseTerminateSome("f1.16xlarge")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("handle:count"))
	})

	It("rejects a non-positive count", func() {
		_, err := ParseTerminateSome("f1.16xlarge:0")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("positive integer"))
	})

	It("rejects a non-numeric count", func() {
		_, err := ParseTerminateSome("f1.16xlarge:two")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RuntimeConfig", func() {
	var opts *domain.ManagerOptions

	BeforeEach(func() {
		opts = writeTestConfigs(GinkgoT().TempDir(), testExternalRecipeYAML)
	})

	It("builds an externally provisioned run farm from the base recipe", func() {
		cfg, err := NewRuntimeConfig(opts, nil, hwdb.NewURIContainerWithAPI(nil, zap.NewNop()), nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.Farm).To(BeAssignableToTypeOf(&runfarm.ExternallyProvisioned{}))
		hosts := cfg.Farm.AllHosts()
		Expect(hosts).To(HaveLen(1))
		Expect(hosts[0].Handle()).To(Equal("machine-a"))
		Expect(hosts[0].MaxSimSlots()).To(Equal(4))
		Expect(hosts[0].Platform()).To(Equal("vitis"))
	})

	It("applies recipe_arg_overrides on top of the base recipe args", func() {
		cfg, err := NewRuntimeConfig(opts, nil, hwdb.NewURIContainerWithAPI(nil, zap.NewNop()), nil)
		Expect(err).ToNot(HaveOccurred())

		hosts := cfg.Farm.AllHosts()
		Expect(hosts[0].SimDir()).To(Equal("/scratch/sim"))
	})

	It("stamps a launch time and derives the results directory from it", func() {
		cfg, err := NewRuntimeConfig(opts, nil, hwdb.NewURIContainerWithAPI(nil, zap.NewNop()), nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.LaunchTime).To(MatchRegexp(`^\d{4}-\d{2}-\d{2}--\d{2}-\d{2}-\d{2}$`))
		Expect(cfg.ResultsDir()).To(Equal(filepath.Join(opts.ResultsDir, cfg.LaunchTime+"-linux-uniformtesttag")))
	})

	It("refuses an aws_ec2 run farm when no EC2 client is available", func() {
		opts = writeTestConfigs(GinkgoT().TempDir(), "run_farm_type: aws_ec2\nargs:\n    run_farm_tag: mainrunfarm\n")
		_, err := NewRuntimeConfig(opts, nil, hwdb.NewURIContainerWithAPI(nil, zap.NewNop()), nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("AWS credentials"))
	})

	It("rejects an unknown run_farm_type", func() {
		opts = writeTestConfigs(GinkgoT().TempDir(), "run_farm_type: bare_metal_magic\nargs: {}\n")
		_, err := NewRuntimeConfig(opts, nil, hwdb.NewURIContainerWithAPI(nil, zap.NewNop()), nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unknown run_farm_type"))
	})

	It("requires a base_recipe in the run_farm section", func() {
		dir := GinkgoT().TempDir()
		opts = writeTestConfigs(dir, testExternalRecipeYAML)
		runtimePath := filepath.Join(dir, "config_runtime.yaml")
		Expect(os.WriteFile(runtimePath, []byte("run_farm: {}\n"), 0644)).To(Succeed())

		_, err := NewRuntimeConfig(opts, nil, hwdb.NewURIContainerWithAPI(nil, zap.NewNop()), nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("base_recipe"))
	})
})

var _ = Describe("recipe arg overrides", func() {
	It("replaces scalars and merges nested mappings", func() {
		base := map[string]interface{}{
			"default_simulation_dir": "/home/a",
			"nested": map[string]interface{}{
				"keep":    1,
				"replace": 2,
			},
		}
		overrides := map[string]interface{}{
			"default_simulation_dir": "/home/b",
			"nested": map[string]interface{}{
				"replace": 3,
			},
		}

		merged := utils.MergeMaps(base, overrides)
		Expect(merged["default_simulation_dir"]).To(Equal("/home/b"))
		nested := merged["nested"].(map[string]interface{})
		Expect(nested["keep"]).To(Equal(1))
		Expect(nested["replace"]).To(Equal(3))
	})
})
