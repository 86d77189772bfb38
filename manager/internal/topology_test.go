package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/abejgonzalez/firesim/manager/domain"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// fakeDeployManager records which deploy operations ran and completes its
// host's sim jobs after a scripted number of monitor polls.
type fakeDeployManager struct {
	mu   sync.Mutex
	host *runfarm.Host

	completeAfter int
	polls         int
	finalLoops    int

	calls []string
}

func (m *fakeDeployManager) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *fakeDeployManager) InfraSetup(ctx context.Context) error {
	m.record("infrasetup")
	return nil
}

func (m *fakeDeployManager) EnumerateFPGAs(ctx context.Context) error {
	m.record("enumeratefpgas")
	return nil
}

func (m *fakeDeployManager) StartSwitchesAndPipes(ctx context.Context) error {
	m.record("startswitches")
	return nil
}

func (m *fakeDeployManager) StartSimulations(ctx context.Context) error {
	m.record("startsims")
	return nil
}

func (m *fakeDeployManager) KillSwitches(ctx context.Context) error {
	m.record("killswitches")
	return nil
}

func (m *fakeDeployManager) KillPipes(ctx context.Context) error {
	m.record("killpipes")
	return nil
}

func (m *fakeDeployManager) KillSimulations(ctx context.Context, disconnectNBDs bool) error {
	m.record("killsims")
	return nil
}

func (m *fakeDeployManager) MonitorJobs(ctx context.Context, priorCompletedJobs []string, isFinalLoop bool, isNetworked bool, terminateOnCompletion bool, jobResultsDir string) (runfarm.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isFinalLoop {
		m.finalLoops++
		return runfarm.JobStatus{Sims: map[string]bool{}, Switches: map[string]bool{}, Pipes: map[string]bool{}}, nil
	}

	m.polls++
	sims := make(map[string]bool)
	for _, node := range m.host.SimSlots() {
		sims[node.JobName()] = m.polls > m.completeAfter
	}
	return runfarm.JobStatus{Sims: sims, Switches: map[string]bool{}, Pipes: map[string]bool{}}, nil
}

var _ runfarm.DeployManager = (*fakeDeployManager)(nil)

// newFakeFarm builds an externally provisioned farm whose hosts carry fake
// deploy managers. Each spec entry is addr -> fpga capacity; switch-only
// hosts use capacity 0.
func newFakeFarm(completeAfter int, hosts []map[string]runfarm.HostSpec, use []map[string]string) (runfarm.RunFarm, map[string]*fakeDeployManager) {
	fakes := make(map[string]*fakeDeployManager)
	factories := map[string]runfarm.DeployManagerFactory{
		"vitis": func(h *runfarm.Host) runfarm.DeployManager {
			fake := &fakeDeployManager{host: h, completeAfter: completeAfter}
			fakes[h.Handle()] = fake
			return fake
		},
	}

	farm, err := runfarm.NewExternallyProvisioned(runfarm.ExternalArgs{
		DefaultPlatform: "vitis",
		DefaultSimDir:   "/home/buildbot/sim",
		DefaultFPGADB:   "/opt/fpga_db.json",
		HostSpecs:       hosts,
		HostsToUse:      use,
	}, false, factories)
	Expect(err).ToNot(HaveOccurred())
	return farm, fakes
}

func fpgaSpecs(capacities ...int) []map[string]runfarm.HostSpec {
	specs := make([]map[string]runfarm.HostSpec, 0, len(capacities))
	for i, capacity := range capacities {
		specs = append(specs, map[string]runfarm.HostSpec{
			fmt.Sprintf("spec%d", i): {NumFPGAs: capacity, UseForSwitchOnly: capacity == 0},
		})
	}
	return specs
}

// newTopologyConfig assembles a RuntimeConfig around an in-memory farm and
// hwdb, bypassing the yaml files.
func newTopologyConfig(farm runfarm.RunFarm, target TargetConfig, workload WorkloadConfig) *RuntimeConfig {
	dir := GinkgoT().TempDir()
	artifact := filepath.Join(dir, "firesim.tar.gz")
	Expect(os.WriteFile(artifact, []byte("tar-bytes"), 0644)).To(Succeed())

	db, err := hwdb.ParseRuntimeHWDB([]byte(fmt.Sprintf(testHWDBYAML, artifact)), "config_hwdb.yaml")
	Expect(err).ToNot(HaveOccurred())

	return &RuntimeConfig{
		log:        config.GetLogger("RuntimeConfig "),
		opts:       &domain.ManagerOptions{ResultsDir: filepath.Join(dir, "results-workload")},
		uris:       hwdb.NewURIContainerWithAPI(nil, zap.NewNop()),
		HWDB:       db,
		Farm:       farm,
		Target:     target,
		Workload:   workload,
		LaunchTime: time.Now().UTC().Format(launchTimeFormat),
	}
}

func defaultTarget(topologyName string, noNetNodes int) TargetConfig {
	return TargetConfig{
		Topology:         topologyName,
		NoNetNumNodes:    noNetNodes,
		LinkLatency:      6405,
		SwitchingLatency: 10,
		NetBandwidth:     200,
		DefaultHWConfig:  "firesim_rocket_quadcore",
	}
}

var _ = Describe("TopologyWithPasses", func() {
	Context("building nodes", func() {
		It("builds one server per node for no_net_config", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 3), WorkloadConfig{WorkloadName: "linux-uniform.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.ServerNodes()).To(HaveLen(3))
			Expect(topo.IsNetworked()).To(BeFalse())
			Expect(topo.ServerNodes()[2].JobName()).To(Equal("linux-uniform2"))
		})

		It("builds a star with one switch for example_Nconfig", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_4config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.ServerNodes()).To(HaveLen(4))
			Expect(topo.IsNetworked()).To(BeTrue())
			Expect(topo.switches[0].DownlinkCount).To(Equal(4))
			Expect(topo.switches[0].Bandwidth).To(Equal(200))
		})

		It("rejects no_net_config without a node count", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 0), WorkloadConfig{})

			_, err := NewTopologyWithPasses(cfg)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("no_net_num_nodes"))
		})

		It("rejects an unknown topology name", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("fat_tree_64", 0), WorkloadConfig{})

			_, err := NewTopologyWithPasses(cfg)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unknown target topology"))
		})
	})

	Context("mapping nodes onto hosts", func() {
		It("packs no_net servers onto the smallest hosts that fit", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8, 8, 8), []map[string]string{
				{"host-a": "spec0"}, {"host-b": "spec1"}, {"host-c": "spec2"},
			})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 20), WorkloadConfig{WorkloadName: "linux-uniform.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.mapNodesToHosts()).To(Succeed())

			hosts := farm.AllHosts()
			Expect(hosts[0].SimSlots()).To(HaveLen(8))
			Expect(hosts[1].SimSlots()).To(HaveLen(8))
			Expect(hosts[2].SimSlots()).To(HaveLen(4))
			Expect(hosts[1].SimSlots()[0].ID).To(Equal(8))
			Expect(hosts[2].SimSlots()[3].ID).To(Equal(19))
		})

		It("maps a small star entirely onto one host", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_4config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.mapNodesToHosts()).To(Succeed())

			host := farm.AllHosts()[0]
			Expect(host.SimSlots()).To(HaveLen(4))
			Expect(host.SwitchSlots()).To(HaveLen(1))
		})

		It("gives a large star's switch a dedicated switch-only host", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(4, 4, 0), []map[string]string{
				{"host-a": "spec0"}, {"host-b": "spec1"}, {"switcher": "spec2"},
			})
			cfg := newTopologyConfig(farm, defaultTarget("example_8config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.mapNodesToHosts()).To(Succeed())

			var switchHost *runfarm.Host
			simCount := 0
			for _, host := range farm.AllHosts() {
				simCount += len(host.SimSlots())
				if len(host.SwitchSlots()) > 0 {
					switchHost = host
				}
			}
			Expect(simCount).To(Equal(8))
			Expect(switchHost).ToNot(BeNil())
			Expect(switchHost.Handle()).To(Equal("switcher"))
			Expect(switchHost.SimSlots()).To(BeEmpty())
		})

		It("errors when the farm cannot hold the topology", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(4), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_8config", 0), WorkloadConfig{})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.mapNodesToHosts()).ToNot(Succeed())
		})
	})

	Context("preparing nodes for deployment", func() {
		It("resolves driver binaries and stages artifacts", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(4), []map[string]string{{"host-a": "spec0"}})
			target := defaultTarget("no_net_config", 2)
			target.PlusargPassthrough = "+fesvr-step-size=128"
			cfg := newTopologyConfig(farm, target, WorkloadConfig{WorkloadName: "linux-uniform.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.preparePass(context.Background())).To(Succeed())

			for _, node := range topo.ServerNodes() {
				Expect(node.DriverBinary()).To(Equal("FireSim-vitis"))
				Expect(node.RequiredFiles()).To(HaveLen(1))
				Expect(node.PlusArgs()).To(ContainElement("+fesvr-step-size=128"))
				Expect(node.PlusArgs()).ToNot(ContainElement(ContainSubstring("+linklatency")))
			}
		})

		It("adds network plusargs for networked targets", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_2config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.preparePass(context.Background())).To(Succeed())

			node := topo.ServerNodes()[0]
			Expect(node.PlusArgs()).To(ContainElement("+linklatency=6405"))
			Expect(node.PlusArgs()).To(ContainElement("+netbw=200"))
		})

		It("adds metasimulation plusargs when metasimulation is enabled", func() {
			farm, _ := newFakeFarm(0, fpgaSpecs(4), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 1), WorkloadConfig{WorkloadName: "linux-uniform.json"})
			cfg.Metasim = MetasimulationConfig{
				Enabled:       true,
				HostSimulator: "vcs",
				PlusArgs:      "+mm_readLatency=10",
				VCSPlusArgs:   "+vcs+initreg+0",
			}

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.preparePass(context.Background())).To(Succeed())

			node := topo.ServerNodes()[0]
			Expect(node.PlusArgs()).To(ContainElement("+mm_readLatency=10"))
			Expect(node.PlusArgs()).To(ContainElement("+vcs+initreg+0"))
		})
	})

	Context("running passes over hosts", func() {
		It("starts switches before simulations during boot", func() {
			farm, fakes := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_2config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.BootPass(context.Background())).To(Succeed())

			Expect(fakes["host-a"].calls).To(Equal([]string{"startswitches", "startsims"}))
		})

		It("kills simulations before switches and pipes", func() {
			farm, fakes := newFakeFarm(0, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_2config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.KillPass(context.Background())).To(Succeed())

			Expect(fakes["host-a"].calls).To(Equal([]string{"killsims", "killswitches", "killpipes"}))
		})

		It("runs infrasetup on every bound host", func() {
			farm, fakes := newFakeFarm(0, fpgaSpecs(4, 4), []map[string]string{
				{"host-a": "spec0"}, {"host-b": "spec1"},
			})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 8), WorkloadConfig{WorkloadName: "linux-uniform.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.InfraSetupPass(context.Background())).To(Succeed())

			Expect(fakes["host-a"].calls).To(ContainElement("infrasetup"))
			Expect(fakes["host-b"].calls).To(ContainElement("infrasetup"))
		})
	})

	Context("monitoring a workload run", func() {
		It("polls until every sim job completes", func() {
			farm, fakes := newFakeFarm(2, fpgaSpecs(1, 1), []map[string]string{
				{"host-a": "spec0"}, {"host-b": "spec1"},
			})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 2), WorkloadConfig{WorkloadName: "linux-uniform.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.RunWorkloadPass(context.Background(), time.Millisecond)).To(Succeed())

			Expect(fakes["host-a"].polls).To(Equal(3))
			Expect(fakes["host-b"].polls).To(Equal(3))
			Expect(fakes["host-a"].finalLoops).To(BeZero())

			info, statErr := os.Stat(cfg.ResultsDir())
			Expect(statErr).ToNot(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		})

		It("runs a final teardown loop for networked targets", func() {
			farm, fakes := newFakeFarm(1, fpgaSpecs(8), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("example_2config", 0), WorkloadConfig{WorkloadName: "ping-latency.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())
			Expect(topo.RunWorkloadPass(context.Background(), time.Millisecond)).To(Succeed())

			Expect(fakes["host-a"].finalLoops).To(Equal(1))
		})

		It("stops polling when the context is cancelled", func() {
			farm, _ := newFakeFarm(1000, fpgaSpecs(1), []map[string]string{{"host-a": "spec0"}})
			cfg := newTopologyConfig(farm, defaultTarget("no_net_config", 1), WorkloadConfig{WorkloadName: "linux-uniform.json"})

			topo, err := NewTopologyWithPasses(cfg)
			Expect(err).ToNot(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(topo.RunWorkloadPass(ctx, time.Hour)).To(MatchError(context.Canceled))
		})
	})
})
