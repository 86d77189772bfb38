package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/abejgonzalez/firesim/common/topology"
)

// starTopologyRe matches the canned single-switch star topologies, e.g.
// example_8config is eight servers under one top-of-rack switch.
var starTopologyRe = regexp.MustCompile(`^example_([0-9]+)config$`)

// TopologyWithPasses is the target topology plus the passes that map it
// onto run farm hosts and drive each host's deploy manager.
type TopologyWithPasses struct {
	log logger.Logger
	cfg *RuntimeConfig

	servers  []*topology.ServerNode
	switches []*topology.SwitchNode

	mapped   bool
	prepared bool
}

// NewTopologyWithPasses instantiates the topology named by the target
// config. Nodes are built eagerly; host mapping happens on the first pass.
func NewTopologyWithPasses(cfg *RuntimeConfig) (*TopologyWithPasses, error) {
	t := &TopologyWithPasses{
		log: config.GetLogger("Topology "),
		cfg: cfg,
	}
	if err := t.buildNodes(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TopologyWithPasses) buildNodes() error {
	target := t.cfg.Target

	hwcfg, err := t.cfg.HWDB.Get(target.DefaultHWConfig)
	if err != nil {
		return err
	}

	jobBase := strings.TrimSuffix(t.cfg.Workload.WorkloadName, ".json")

	newServer := func(id int) *topology.ServerNode {
		node := topology.NewServerNode(id, hwcfg)
		node.SetJobName(fmt.Sprintf("%s%d", jobBase, id))
		node.LinkLatency = target.LinkLatency
		node.NetBandwidth = target.NetBandwidth
		return node
	}

	switch {
	case target.Topology == "no_net_config":
		if target.NoNetNumNodes <= 0 {
			return fmt.Errorf("topology no_net_config requires 'no_net_num_nodes' >= 1 in config_runtime.yaml")
		}
		for i := 0; i < target.NoNetNumNodes; i++ {
			t.servers = append(t.servers, newServer(i))
		}

	case starTopologyRe.MatchString(target.Topology):
		count, _ := strconv.Atoi(starTopologyRe.FindStringSubmatch(target.Topology)[1])
		if count <= 0 {
			return fmt.Errorf("topology %q names zero servers", target.Topology)
		}

		sw := topology.NewSwitchNode(0)
		sw.DownlinkCount = count
		sw.LinkLatency = target.LinkLatency
		sw.SwitchingLatency = target.SwitchingLatency
		sw.Bandwidth = target.NetBandwidth
		t.switches = append(t.switches, sw)

		for i := 0; i < count; i++ {
			t.servers = append(t.servers, newServer(i))
		}

	default:
		return fmt.Errorf("unknown target topology %q in config_runtime.yaml", target.Topology)
	}

	t.log.Debug("Built topology %s: %d servers, %d switches.", target.Topology, len(t.servers), len(t.switches))
	return nil
}

// IsNetworked reports whether the target has a simulated network.
func (t *TopologyWithPasses) IsNetworked() bool { return len(t.switches) > 0 }

// ServerNodes returns the simulated machines in id order.
func (t *TopologyWithPasses) ServerNodes() []*topology.ServerNode {
	return append([]*topology.ServerNode(nil), t.servers...)
}

// mapNodesToHosts assigns every node to a run farm host. Servers pack onto
// the smallest hosts that fit; a star's switch shares the host when the
// whole topology fits on one machine and otherwise gets a switch-only host.
func (t *TopologyWithPasses) mapNodesToHosts() error {
	if t.mapped {
		return nil
	}
	farm := t.cfg.Farm
	remaining := append([]*topology.ServerNode(nil), t.servers...)

	if t.IsNetworked() {
		sw := t.switches[0]

		if handle, err := farm.SmallestSimHostHandle(len(remaining)); err == nil {
			host, allocErr := farm.AllocateSimHost(handle)
			if allocErr != nil {
				return allocErr
			}
			if err = t.placeSwitch(host, sw); err != nil {
				return err
			}
			for _, node := range remaining {
				if err = host.AddSimulation(node); err != nil {
					return err
				}
			}
			t.log.Info("Mapped %d servers and the root switch onto one %s host.", len(remaining), handle)
			t.mapped = true
			return nil
		}

		handle, err := farm.SwitchOnlyHostHandle()
		if err != nil {
			return err
		}
		host, err := farm.AllocateSimHost(handle)
		if err != nil {
			return err
		}
		if err = t.placeSwitch(host, sw); err != nil {
			return err
		}
		t.log.Info("Mapped the root switch onto a dedicated %s host.", handle)
	}

	for len(remaining) > 0 {
		count := len(remaining)
		var handle string
		for {
			var err error
			handle, err = farm.SmallestSimHostHandle(count)
			if err == nil {
				break
			}
			count--
			if count == 0 {
				return err
			}
		}

		host, err := farm.AllocateSimHost(handle)
		if err != nil {
			return err
		}
		if capacity := host.MaxSimSlots(); count > capacity {
			count = capacity
		}
		for _, node := range remaining[:count] {
			if err = host.AddSimulation(node); err != nil {
				return err
			}
		}
		remaining = remaining[count:]
	}

	t.mapped = true
	return nil
}

// placeSwitch assigns sw to host and reserves one network model port per
// downlink.
func (t *TopologyWithPasses) placeSwitch(host *runfarm.Host, sw *topology.SwitchNode) error {
	if err := host.AddSwitch(sw); err != nil {
		return err
	}
	for i := 0; i < sw.DownlinkCount; i++ {
		if _, err := host.AllocateHostPort(); err != nil {
			return err
		}
	}
	return nil
}

// unavailableResolver stands in when no AWS client could be built; it only
// surfaces if an AGFI actually needs its description queried.
type unavailableResolver struct{}

func (unavailableResolver) DeployQuintupletForAGFI(ctx context.Context, agfi string) (string, error) {
	return "", fmt.Errorf("resolving the deploy quintuplet for %s requires AWS credentials", agfi)
}

// preparePass maps nodes onto hosts and resolves everything the deploy
// managers need: platforms, driver binaries, plusargs, and locally staged
// artifacts. Runs once; later passes reuse the result.
func (t *TopologyWithPasses) preparePass(ctx context.Context) error {
	if t.prepared {
		return nil
	}
	if err := t.mapNodesToHosts(); err != nil {
		return err
	}

	resolver := t.cfg.resolver
	if resolver == nil {
		resolver = unavailableResolver{}
	}

	fetched := make(map[string][]string)
	for _, host := range t.cfg.Farm.AllHosts() {
		for _, node := range host.SimSlots() {
			hwcfg := node.HWConfig
			if hwcfg == nil {
				return fmt.Errorf("server node %d has no hardware configuration", node.ID)
			}
			if hwcfg.Platform != hwdb.PlatformF1 {
				if err := hwcfg.SetPlatform(host.Platform()); err != nil {
					return err
				}
			}

			driver, err := hwcfg.DriverBinaryName(ctx, resolver)
			if err != nil {
				return err
			}
			node.SetDriverBinary(driver)

			files, err := t.stageArtifacts(ctx, hwcfg, fetched)
			if err != nil {
				return err
			}
			for _, file := range files {
				node.AddRequiredFile(file)
			}

			t.addPlusArgs(node)
		}
	}

	t.prepared = true
	return nil
}

// stageArtifacts fetches a hardware configuration's tarballs into the
// local staging dir, once per hwdb entry.
func (t *TopologyWithPasses) stageArtifacts(ctx context.Context, hwcfg *hwdb.RuntimeHWConfig, fetched map[string][]string) ([]string, error) {
	if files, done := fetched[hwcfg.Name]; done {
		return files, nil
	}

	destDir := filepath.Join(t.cfg.stagingDir(), hwcfg.Name)
	var files []string

	if hwcfg.DriverTar != "" {
		local, err := t.cfg.uris.Fetch(ctx, hwcfg.DriverTar, destDir, hwdb.DriverTarFilename)
		if err != nil {
			return nil, err
		}
		files = append(files, local)
	}
	if hwcfg.BitstreamTar != "" {
		local, err := t.cfg.uris.Fetch(ctx, hwcfg.BitstreamTar, destDir, hwdb.BitstreamTarFilename)
		if err != nil {
			return nil, err
		}
		files = append(files, local)
	}
	if hwcfg.CustomRuntimeConfig != "" {
		if _, err := os.Stat(hwcfg.CustomRuntimeConfig); err != nil {
			return nil, fmt.Errorf("custom runtime config for hwdb entry %q: %w", hwcfg.Name, err)
		}
		files = append(files, hwcfg.CustomRuntimeConfig)
	}

	fetched[hwcfg.Name] = files
	return files, nil
}

// addPlusArgs attaches the driver plusargs derived from the target and
// metasimulation configs.
func (t *TopologyWithPasses) addPlusArgs(node *topology.ServerNode) {
	target := t.cfg.Target

	if t.IsNetworked() {
		node.AddPlusArg(fmt.Sprintf("+linklatency=%d", node.LinkLatency))
		node.AddPlusArg(fmt.Sprintf("+netbw=%d", node.NetBandwidth))
	}
	if target.ProfileInterval != 0 {
		node.AddPlusArg(fmt.Sprintf("+profile-interval=%d", target.ProfileInterval))
	}
	if target.PlusargPassthrough != "" {
		node.AddPlusArg(target.PlusargPassthrough)
	}

	metasim := t.cfg.Metasim
	if metasim.Enabled {
		if metasim.PlusArgs != "" {
			node.AddPlusArg(metasim.PlusArgs)
		}
		if strings.Contains(metasim.HostSimulator, "vcs") && metasim.VCSPlusArgs != "" {
			node.AddPlusArg(metasim.VCSPlusArgs)
		}
	}
}

// InfraSetupPass stages collateral and prepares FPGAs on every bound host.
func (t *TopologyWithPasses) InfraSetupPass(ctx context.Context) error {
	if err := t.preparePass(ctx); err != nil {
		return err
	}
	for _, host := range t.cfg.Farm.AllBoundHosts() {
		if err := host.DeployManager().InfraSetup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnumerateFPGAsPass writes each bound host's FPGA database.
func (t *TopologyWithPasses) EnumerateFPGAsPass(ctx context.Context) error {
	if err := t.preparePass(ctx); err != nil {
		return err
	}
	for _, host := range t.cfg.Farm.AllBoundHosts() {
		if err := host.DeployManager().EnumerateFPGAs(ctx); err != nil {
			return err
		}
	}
	return nil
}

// BootPass starts every switch and pipe, then every simulation. Switches
// come up first so simulations find their shmem ports.
func (t *TopologyWithPasses) BootPass(ctx context.Context) error {
	if err := t.preparePass(ctx); err != nil {
		return err
	}
	for _, host := range t.cfg.Farm.AllBoundHosts() {
		if err := host.DeployManager().StartSwitchesAndPipes(ctx); err != nil {
			return err
		}
	}
	for _, host := range t.cfg.Farm.AllBoundHosts() {
		if err := host.DeployManager().StartSimulations(ctx); err != nil {
			return err
		}
	}
	return nil
}

// KillPass tears down simulations first, then switches and pipes.
func (t *TopologyWithPasses) KillPass(ctx context.Context) error {
	if err := t.preparePass(ctx); err != nil {
		return err
	}
	for _, host := range t.cfg.Farm.AllBoundHosts() {
		dm := host.DeployManager()
		if err := dm.KillSimulations(ctx, true); err != nil {
			return err
		}
		if err := dm.KillSwitches(ctx); err != nil {
			return err
		}
		if err := dm.KillPipes(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunWorkloadPass polls every bound host until all simulation jobs have
// completed, collecting results as they finish. Networked runs get a final
// teardown loop for switch and pipe logs once the simulations are done.
func (t *TopologyWithPasses) RunWorkloadPass(ctx context.Context, pollInterval time.Duration) error {
	if err := t.preparePass(ctx); err != nil {
		return err
	}

	resultsDir := t.cfg.ResultsDir()
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		return fmt.Errorf("creating results dir %s: %w", resultsDir, err)
	}
	t.log.Info("Creating the directory: %s", resultsDir)

	isNetworked := t.IsNetworked()
	terminateOnCompletion := t.cfg.Workload.TerminateOnCompletion
	completed := make(map[string][]string)

	for {
		allDone := true
		for _, host := range t.cfg.Farm.AllBoundHosts() {
			status, err := host.DeployManager().MonitorJobs(ctx, completed[host.Addr()], false, isNetworked, terminateOnCompletion, resultsDir)
			if err != nil {
				return err
			}

			var done []string
			for job, finished := range status.Sims {
				if finished {
					done = append(done, job)
				} else {
					allDone = false
				}
			}
			completed[host.Addr()] = done
		}

		if allDone {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	if isNetworked {
		// switches and pipes run until every simulation is done; this
		// loop collects their logs and releases their hosts
		for _, host := range t.cfg.Farm.AllBoundHosts() {
			if _, err := host.DeployManager().MonitorJobs(ctx, completed[host.Addr()], true, true, terminateOnCompletion, resultsDir); err != nil {
				return err
			}
		}
	}

	t.log.Info("FireSim Simulation Exited Successfully. See results in:\n%s", resultsDir)
	return nil
}
