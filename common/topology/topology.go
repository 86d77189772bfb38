// Package topology models the nodes of a simulated target network: server
// (simulation) nodes plus the switch and partition-pipe helper processes
// that connect them on run farm hosts.
package topology

import (
	"fmt"

	"github.com/abejgonzalez/firesim/common/hwdb"
)

// ServerNode is one simulated machine. It maps to a single FPGA (or
// metasimulation) slot on a run farm host.
type ServerNode struct {
	ID       int
	HWConfig *hwdb.RuntimeHWConfig

	jobName       string
	requiredFiles []string
	plusArgs      []string
	qcow2Required bool
	driverBinary  string

	// LinkLatency and NetBandwidth feed the driver's network plusargs
	// when the target is networked.
	LinkLatency  int
	NetBandwidth int
}

// NewServerNode builds a server node for the given hardware configuration.
func NewServerNode(id int, hwConfig *hwdb.RuntimeHWConfig) *ServerNode {
	return &ServerNode{ID: id, HWConfig: hwConfig}
}

// SetJobName assigns the workload job this node runs.
func (s *ServerNode) SetJobName(name string) { s.jobName = name }

// JobName returns the assigned workload job name, or a default unique name
// when none was assigned.
func (s *ServerNode) JobName() string {
	if s.jobName == "" {
		return fmt.Sprintf("mainprogram%d", s.ID)
	}
	return s.jobName
}

// AddRequiredFile registers a local file that must be staged into the
// node's sim_slot_X directory before boot.
func (s *ServerNode) AddRequiredFile(path string) {
	s.requiredFiles = append(s.requiredFiles, path)
}

// RequiredFiles returns the local paths staged into the sim slot directory.
func (s *ServerNode) RequiredFiles() []string { return s.requiredFiles }

// AddPlusArg appends a plusarg passed to the simulation driver.
func (s *ServerNode) AddPlusArg(arg string) { s.plusArgs = append(s.plusArgs, arg) }

// PlusArgs returns the extra driver plusargs for this node.
func (s *ServerNode) PlusArgs() []string { return s.plusArgs }

// SetDriverBinary records the name of the simulation driver binary for
// this node, resolved from its hardware configuration.
func (s *ServerNode) SetDriverBinary(name string) { s.driverBinary = name }

// DriverBinary returns the simulation driver binary name.
func (s *ServerNode) DriverBinary() string { return s.driverBinary }

// SetQCOW2Required marks this node as booting from a qcow2 image, which
// requires NBD support on the run host.
func (s *ServerNode) SetQCOW2Required(required bool) { s.qcow2Required = required }

// QCOW2Required reports whether this node boots from a qcow2 image.
func (s *ServerNode) QCOW2Required() bool { return s.qcow2Required }

// ScreenName returns the screen session name of the simulation in slotno.
func ScreenName(slotno int) string { return fmt.Sprintf("fsim%d", slotno) }

// SimKillCommand returns the command that tears down the simulation screen
// in slotno.
func (s *ServerNode) SimKillCommand(slotno int) string {
	return fmt.Sprintf("screen -XS %s quit", ScreenName(slotno))
}

func (s *ServerNode) String() string {
	return fmt.Sprintf("ServerNode(id=%d job=%s)", s.ID, s.JobName())
}

// SwitchNode is a software switch process connecting simulated endpoints.
type SwitchNode struct {
	ID int

	// DownlinkCount is how many ports the switch exposes; it sizes the
	// shmem regions the switch binary attaches to.
	DownlinkCount int

	// Latency and bandwidth parameters passed to the switch binary.
	LinkLatency      int
	SwitchingLatency int
	Bandwidth        int
}

// NewSwitchNode builds a switch node.
func NewSwitchNode(id int) *SwitchNode { return &SwitchNode{ID: id} }

// BinaryName returns the per-switch binary name staged on the run host.
func (s *SwitchNode) BinaryName() string { return fmt.Sprintf("switch%d", s.ID) }

// ScreenName returns the screen session name of this switch.
func (s *SwitchNode) ScreenName() string { return fmt.Sprintf("switch%d", s.ID) }

// StartCommand boots the switch in a detached screen, logging to switchlog.
func (s *SwitchNode) StartCommand() string {
	return fmt.Sprintf(`screen -S %s -d -m bash -c "script -f -c 'bash switchrun.sh' switchlog"; sleep 1`,
		s.ScreenName())
}

// KillCommand tears down the switch screen.
func (s *SwitchNode) KillCommand() string {
	return fmt.Sprintf("screen -XS %s quit", s.ScreenName())
}

// LogName is the log file copied back when the run completes.
func (s *SwitchNode) LogName() string { return "switchlog" }

func (s *SwitchNode) String() string { return fmt.Sprintf("SwitchNode(id=%d)", s.ID) }

// PipeNode is a partition pipe process bridging split-target FPGA halves.
type PipeNode struct {
	ID int

	// Sudo marks pipes that attach to privileged transport and must be
	// started and killed under sudo.
	Sudo bool
}

// NewPipeNode builds a pipe node.
func NewPipeNode(id int) *PipeNode { return &PipeNode{ID: id} }

// BinaryName returns the per-pipe binary name staged on the run host.
func (p *PipeNode) BinaryName() string { return fmt.Sprintf("pipe%d", p.ID) }

// ScreenName returns the screen session name of this pipe.
func (p *PipeNode) ScreenName() string { return fmt.Sprintf("pipe%d", p.ID) }

// StartCommand boots the pipe in a detached screen, logging to pipelog.
func (p *PipeNode) StartCommand() string {
	return fmt.Sprintf(`screen -S %s -d -m bash -c "script -f -c 'bash piperun.sh' pipelog"; sleep 1`,
		p.ScreenName())
}

// KillCommand tears down the pipe screen.
func (p *PipeNode) KillCommand() string {
	return fmt.Sprintf("screen -XS %s quit", p.ScreenName())
}

// LogName is the log file copied back when the run completes.
func (p *PipeNode) LogName() string { return "pipelog" }

func (p *PipeNode) String() string { return fmt.Sprintf("PipeNode(id=%d)", p.ID) }
