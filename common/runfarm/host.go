package runfarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/topology"
)

const (
	// MaxSwitchAndPipeSlots bounds the switch/pipe processes on one host.
	// The default security group only opens ports 10000 to 10999 for the
	// network model.
	MaxSwitchAndPipeSlots = 1000

	firstHostPort = 10000
	lastHostPort  = 11000
)

// JobStatus reports, per job name, whether each process on a host has
// finished. Completed switches and pipes only ever flip to true when the
// whole host is being torn down.
type JobStatus struct {
	Sims     map[string]bool
	Switches map[string]bool
	Pipes    map[string]bool
}

// DeployManager is the platform-specific procedure set for one run farm
// host. Implementations live in common/deploy.
type DeployManager interface {
	// InfraSetup stages drivers, switches and pipes on the host.
	InfraSetup(ctx context.Context) error
	// EnumerateFPGAs writes the host's FPGA database file.
	EnumerateFPGAs(ctx context.Context) error

	StartSwitchesAndPipes(ctx context.Context) error
	StartSimulations(ctx context.Context) error

	KillSwitches(ctx context.Context) error
	KillPipes(ctx context.Context) error
	KillSimulations(ctx context.Context, disconnectNBDs bool) error

	// MonitorJobs polls the host once: copies back results for newly
	// finished jobs and tears down processes when everything is done.
	// isFinalLoop marks the last poll of a networked run, where switches
	// and pipes get their logs collected and the host may terminate.
	MonitorJobs(ctx context.Context, priorCompletedJobs []string, isFinalLoop bool, isNetworked bool, terminateOnCompletion bool, jobResultsDir string) (JobStatus, error)
}

// DeployManagerFactory builds the deploy manager for a host once the host
// object exists. Keyed by platform name in the farm dispatch maps.
type DeployManagerFactory func(h *Host) DeployManager

// terminator lets a host ask its owning farm to terminate it without the
// host package knowing farm internals.
type terminator interface {
	TerminateHost(ctx context.Context, h *Host) error
}

// Host is one run farm machine holding simulation, switch and pipe slots.
type Host struct {
	log logger.Logger
	mu  sync.Mutex

	farm   terminator
	handle string

	maxSimSlots int
	simSlots    []*topology.ServerNode
	switchSlots []*topology.SwitchNode
	pipeSlots   []*topology.PipeNode

	nextPort int

	simDir  string
	fpgaDB  string
	platform string

	addr       string
	instanceID string

	metasimEnabled bool

	deployManager DeployManager
}

// NewHost builds an unbound host with the given simulation capacity.
func NewHost(farm terminator, handle string, maxSimSlots int, platform string, simDir string, fpgaDB string, metasimEnabled bool) *Host {
	return &Host{
		log:            config.GetLogger(fmt.Sprintf("RunHost %s ", handle)),
		farm:           farm,
		handle:         handle,
		maxSimSlots:    maxSimSlots,
		nextPort:       firstHostPort,
		simDir:         simDir,
		fpgaDB:         fpgaDB,
		platform:       platform,
		metasimEnabled: metasimEnabled,
	}
}

// SetDeployManager attaches the platform deploy manager. Called once by
// the farm right after construction.
func (h *Host) SetDeployManager(dm DeployManager) { h.deployManager = dm }

// DeployManager returns the platform deploy manager for this host.
func (h *Host) DeployManager() DeployManager { return h.deployManager }

// Handle returns the host-type handle this host was allocated under.
func (h *Host) Handle() string { return h.handle }

// Platform returns the FPGA platform name of this host.
func (h *Host) Platform() string { return h.platform }

// MetasimEnabled reports whether this host runs metasimulations instead
// of FPGA simulations.
func (h *Host) MetasimEnabled() bool { return h.metasimEnabled }

// MaxSimSlots returns the simulation capacity of this host.
func (h *Host) MaxSimSlots() int { return h.maxSimSlots }

// AddSimulation assigns a server node to the next available sim slot.
func (h *Host) AddSimulation(node *topology.ServerNode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.simSlots) >= h.maxSimSlots {
		return fmt.Errorf("host %s has no free sim slots (capacity %d)", h.handle, h.maxSimSlots)
	}
	h.simSlots = append(h.simSlots, node)
	return nil
}

// AddSwitch assigns a switch node to the next available slot.
func (h *Host) AddSwitch(node *topology.SwitchNode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.switchSlots)+len(h.pipeSlots) >= MaxSwitchAndPipeSlots {
		return fmt.Errorf("host %s has no free switch/pipe slots", h.handle)
	}
	h.switchSlots = append(h.switchSlots, node)
	return nil
}

// AddPipe assigns a pipe node to the next available slot.
func (h *Host) AddPipe(node *topology.PipeNode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.switchSlots)+len(h.pipeSlots) >= MaxSwitchAndPipeSlots {
		return fmt.Errorf("host %s has no free switch/pipe slots", h.handle)
	}
	h.pipeSlots = append(h.pipeSlots, node)
	return nil
}

// AllocateHostPort hands out the next network model port. Ports above the
// security group's range are an error rather than a silent reuse.
func (h *Host) AllocateHostPort() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.nextPort >= lastHostPort {
		return 0, fmt.Errorf("host %s exhausted its port range [%d, %d); adjust your security groups to raise this",
			h.handle, firstHostPort, lastHostPort)
	}
	port := h.nextPort
	h.nextPort++
	return port, nil
}

// SimSlots returns the assigned server nodes in slot order.
func (h *Host) SimSlots() []*topology.ServerNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*topology.ServerNode(nil), h.simSlots...)
}

// SwitchSlots returns the assigned switch nodes in slot order.
func (h *Host) SwitchSlots() []*topology.SwitchNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*topology.SwitchNode(nil), h.switchSlots...)
}

// PipeSlots returns the assigned pipe nodes in slot order.
func (h *Host) PipeSlots() []*topology.PipeNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*topology.PipeNode(nil), h.pipeSlots...)
}

// SwitchAndPipeSlotCount returns the number of occupied switch/pipe slots.
func (h *Host) SwitchAndPipeSlotCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.switchSlots) + len(h.pipeSlots)
}

// SetSimDir overrides the simulation directory on the remote host.
func (h *Host) SetSimDir(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.simDir = dir
}

// SimDir returns the simulation directory on the remote host.
func (h *Host) SimDir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.simDir
}

// SetFPGADB overrides the FPGA database file path on the remote host.
func (h *Host) SetFPGADB(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fpgaDB = path
}

// FPGADB returns the FPGA database file path on the remote host.
func (h *Host) FPGADB() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fpgaDB
}

// Bind records the address (and, for cloud farms, instance ID) of the
// machine backing this host.
func (h *Host) Bind(addr string, instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addr = addr
	h.instanceID = instanceID
}

// Bound reports whether this host has a machine behind it yet.
func (h *Host) Bound() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr != ""
}

// Addr returns the hostname or IP of the machine backing this host.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// InstanceID returns the cloud instance ID backing this host, if any.
func (h *Host) InstanceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instanceID
}

// QCOW2SupportRequired reports whether any simulation on this host boots
// from a qcow2 image and therefore needs NBD set up.
func (h *Host) QCOW2SupportRequired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, node := range h.simSlots {
		if node.QCOW2Required() {
			return true
		}
	}
	return false
}

// TerminateSelf asks the owning farm to terminate this host.
func (h *Host) TerminateSelf(ctx context.Context) error {
	return h.farm.TerminateHost(ctx, h)
}

func (h *Host) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("Host(handle=%s addr=%s sims=%d/%d switches=%d pipes=%d)",
		h.handle, h.addr, len(h.simSlots), h.maxSimSlots, len(h.switchSlots), len(h.pipeSlots))
}
