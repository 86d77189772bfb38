// Package deploy implements the per-platform procedures for setting up,
// booting, monitoring and tearing down simulations on run farm hosts.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/remote"
	"github.com/abejgonzalez/firesim/common/runfarm"
)

// ExecutorProvider opens a remote session to addr. Production code wraps
// remote.Dial; tests substitute a fake executor.
type ExecutorProvider func(ctx context.Context, addr string) (remote.Executor, error)

// SSHExecutorProvider builds a provider that dials hosts over SSH with the
// given user and private key.
func SSHExecutorProvider(user string, privateKeyPath string) ExecutorProvider {
	return func(ctx context.Context, addr string) (remote.Executor, error) {
		return remote.Dial(remote.ClientConfig{Addr: addr, User: user, PrivateKeyPath: privateKeyPath})
	}
}

// remoteUser mirrors the assumption that the manager's user exists on the
// run farm hosts too.
func remoteUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "centos"
}

// hooks are the operations concrete platform managers override. The base
// manager calls back through them, mirroring virtual dispatch.
type hooks interface {
	startSimSlot(ctx context.Context, slotno int) error
	terminateInstance(ctx context.Context) error
}

// baseManager carries the procedures shared by every platform: staging
// files, starting and killing screens, and job monitoring.
type baseManager struct {
	log  logger.Logger
	host *runfarm.Host

	provider ExecutorProvider
	exec     remote.Executor

	// set by the concrete manager so the base dispatches to overrides
	instance hooks

	simTypeMessage string

	// non-nil on platforms with NBD kernel module support
	nbdTracker *NBDTracker
}

func newBaseManager(host *runfarm.Host, provider ExecutorProvider) baseManager {
	simType := "FPGA"
	if host.MetasimEnabled() {
		simType = "Metasim"
	}
	return baseManager{
		log:            config.GetLogger(fmt.Sprintf("DeployManager %s ", host.Handle())),
		host:           host,
		provider:       provider,
		simTypeMessage: simType,
	}
}

// executor lazily opens the remote session; hosts are not reachable until
// after PostLaunchBinding.
func (m *baseManager) executor(ctx context.Context) (remote.Executor, error) {
	if m.exec != nil {
		return m.exec, nil
	}
	if !m.host.Bound() {
		return nil, fmt.Errorf("host %s has no address bound yet", m.host.Handle())
	}
	exec, err := m.provider(ctx, m.host.Addr())
	if err != nil {
		return nil, err
	}
	m.exec = exec
	return exec, nil
}

// SetExecutor injects an already-open session, bypassing the provider.
func (m *baseManager) SetExecutor(exec remote.Executor) { m.exec = exec }

func (m *baseManager) instanceLog(format string, args ...interface{}) {
	m.log.Info("[%s] %s", m.host.Addr(), fmt.Sprintf(format, args...))
}

func (m *baseManager) instanceDebug(format string, args ...interface{}) {
	m.log.Debug("[%s] %s", m.host.Addr(), fmt.Sprintf(format, args...))
}

func (m *baseManager) assignedSimulations() bool { return len(m.host.SimSlots()) > 0 }
func (m *baseManager) assignedSwitches() bool    { return len(m.host.SwitchSlots()) > 0 }
func (m *baseManager) assignedPipes() bool       { return len(m.host.PipeSlots()) > 0 }

// remoteSimDir returns the sim slot directory on the remote, always with a
// trailing slash so callers can concatenate.
func (m *baseManager) remoteSimDir(slotno int) string {
	return fmt.Sprintf("%s/sim_slot_%d/", m.host.SimDir(), slotno)
}

func (m *baseManager) remoteSwitchDir(slotno int) string {
	return fmt.Sprintf("%s/switch_slot_%d/", m.host.SimDir(), slotno)
}

func (m *baseManager) remotePipeDir(slotno int) string {
	return fmt.Sprintf("%s/pipe_slot_%d/", m.host.SimDir(), slotno)
}

// copySimSlotInfrastructure stages the simulation collateral for one slot:
// required files land in a staging subdir first, then get copied into
// place so partial transfers never leave a live slot half-populated.
func (m *baseManager) copySimSlotInfrastructure(ctx context.Context, slotno int) error {
	if !m.assignedSimulations() {
		return nil
	}
	slots := m.host.SimSlots()
	if slotno >= len(slots) {
		return fmt.Errorf("slot %d cannot index into %d sim slots on %s", slotno, len(slots), m.host.Addr())
	}
	node := slots[slotno]

	m.instanceLog("Copying %s simulation infrastructure for slot: %d.", m.simTypeMessage, slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	simDir := m.remoteSimDir(slotno)
	stagingDir := simDir + "rsyncdir/"
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s", stagingDir)); err != nil {
		return err
	}

	for _, localPath := range node.RequiredFiles() {
		remotePath := path.Join(stagingDir, filepath.Base(localPath))
		if err = exec.Put(ctx, localPath, remotePath, 0644); err != nil {
			return err
		}
	}

	_, err = exec.Run(ctx, fmt.Sprintf("cp -r %s/* %s/", strings.TrimSuffix(stagingDir, "/"), strings.TrimSuffix(simDir, "/")))
	return err
}

// extractDriverTarball unpacks the driver bundle already staged in the slot.
func (m *baseManager) extractDriverTarball(ctx context.Context, slotno int) error {
	if !m.assignedSimulations() {
		return nil
	}
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, remote.InDir(m.remoteSimDir(slotno), fmt.Sprintf("tar -xf %s", hwdb.DriverTarFilename)))
	return err
}

func (m *baseManager) copySwitchSlotInfrastructure(ctx context.Context, slotno int) error {
	if !m.assignedSwitches() {
		return nil
	}
	m.instanceLog("Copying switch simulation infrastructure for switch slot: %d.", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	switchDir := m.remoteSwitchDir(slotno)
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s", switchDir)); err != nil {
		return err
	}

	sw := m.host.SwitchSlots()[slotno]
	script := switchRunScript(sw)
	return exec.PutContent(ctx, []byte(script), path.Join(switchDir, "switchrun.sh"), 0755)
}

func (m *baseManager) copyPipeSlotInfrastructure(ctx context.Context, slotno int) error {
	if !m.assignedPipes() {
		return nil
	}
	m.instanceLog("Copying pipe simulation infrastructure for pipe slot: %d.", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	pipeDir := m.remotePipeDir(slotno)
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s", pipeDir)); err != nil {
		return err
	}

	pipe := m.host.PipeSlots()[slotno]
	script := pipeRunScript(pipe)
	return exec.PutContent(ctx, []byte(script), path.Join(pipeDir, "piperun.sh"), 0755)
}

func (m *baseManager) startSwitchSlot(ctx context.Context, slotno int) error {
	if !m.assignedSwitches() {
		return nil
	}
	m.instanceLog("Starting switch simulation for switch slot: %d.", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	sw := m.host.SwitchSlots()[slotno]
	_, err = exec.Run(ctx, remote.InDir(m.remoteSwitchDir(slotno), sw.StartCommand()))
	return err
}

func (m *baseManager) startPipeSlot(ctx context.Context, slotno int) error {
	if !m.assignedPipes() {
		return nil
	}
	m.instanceLog("Starting pipe simulation for pipe slot: %d.", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	pipe := m.host.PipeSlots()[slotno]
	cmd := pipe.StartCommand()
	if pipe.Sudo {
		cmd = remote.Sudo(cmd)
	}
	_, err = exec.Run(ctx, remote.InDir(m.remotePipeDir(slotno), cmd))
	return err
}

// defaultStartSimSlot stages the generated sim-run.sh and executes it. The
// extraArgs are platform plusargs appended to the driver invocation.
func (m *baseManager) defaultStartSimSlot(ctx context.Context, slotno int, extraArgs string) error {
	if !m.assignedSimulations() {
		return nil
	}
	slots := m.host.SimSlots()
	if slotno >= len(slots) {
		return fmt.Errorf("slot %d cannot index into %d sim slots on %s", slotno, len(slots), m.host.Addr())
	}
	node := slots[slotno]

	m.instanceLog("Starting %s simulation for slot: %d.", m.simTypeMessage, slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	simDir := m.remoteSimDir(slotno)
	script := simRunScript(node, slotno, extraArgs)
	if err = exec.PutContent(ctx, []byte(script), path.Join(simDir, "sim-run.sh"), 0755); err != nil {
		return err
	}
	if _, err = exec.Run(ctx, remote.InDir(simDir, "chmod +x sim-run.sh")); err != nil {
		return err
	}
	_, err = exec.Run(ctx, remote.InDir(simDir, "./sim-run.sh"))
	return err
}

func (m *baseManager) killSwitchSlot(ctx context.Context, slotno int) error {
	if !m.assignedSwitches() {
		return nil
	}
	m.instanceLog("Killing switch simulation for switchslot: %d.", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.RunWarnOnly(ctx, m.host.SwitchSlots()[slotno].KillCommand())
	return err
}

func (m *baseManager) killPipeSlot(ctx context.Context, slotno int) error {
	if !m.assignedPipes() {
		return nil
	}
	m.instanceLog("Killing pipe simulation for pipeslot: %d.", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	pipe := m.host.PipeSlots()[slotno]
	cmd := pipe.KillCommand()
	if pipe.Sudo {
		cmd = remote.Sudo(cmd)
	}
	_, err = exec.RunWarnOnly(ctx, cmd)
	return err
}

func (m *baseManager) killSimSlot(ctx context.Context, slotno int) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Killing %s simulation for slot: %d.", m.simTypeMessage, slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.RunWarnOnly(ctx, m.host.SimSlots()[slotno].SimKillCommand(slotno))
	return err
}

func (m *baseManager) removeShmFiles(ctx context.Context) error {
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, "sudo rm -rf /dev/shm/*")
	return err
}

// StartSwitchesAndPipes boots all switch and pipe screens on this host.
func (m *baseManager) StartSwitchesAndPipes(ctx context.Context) error {
	if m.assignedSwitches() || m.assignedPipes() {
		if err := m.removeShmFiles(ctx); err != nil {
			return err
		}
	}

	for slotno := range m.host.SwitchSlots() {
		if err := m.startSwitchSlot(ctx, slotno); err != nil {
			return err
		}
	}
	for slotno := range m.host.PipeSlots() {
		if err := m.startPipeSlot(ctx, slotno); err != nil {
			return err
		}
	}
	return nil
}

// StartSimulations boots all simulation screens on this host.
func (m *baseManager) StartSimulations(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	for slotno := range m.host.SimSlots() {
		if err := m.instance.startSimSlot(ctx, slotno); err != nil {
			return err
		}
	}
	return nil
}

// KillSwitches tears down all switch screens. Kill failures are warnings;
// a dead screen is the goal anyway.
func (m *baseManager) KillSwitches(ctx context.Context) error {
	if !m.assignedSwitches() {
		return nil
	}
	for slotno := range m.host.SwitchSlots() {
		if err := m.killSwitchSlot(ctx, slotno); err != nil {
			return err
		}
	}
	return m.removeShmFiles(ctx)
}

// KillPipes tears down all pipe screens.
func (m *baseManager) KillPipes(ctx context.Context) error {
	if !m.assignedPipes() {
		return nil
	}
	for slotno := range m.host.PipeSlots() {
		if err := m.killPipeSlot(ctx, slotno); err != nil {
			return err
		}
	}
	return m.removeShmFiles(ctx)
}

// KillSimulations tears down all simulation screens, optionally
// disconnecting NBD devices afterwards.
func (m *baseManager) KillSimulations(ctx context.Context, disconnectNBDs bool) error {
	if m.assignedSimulations() {
		for slotno := range m.host.SimSlots() {
			if err := m.killSimSlot(ctx, slotno); err != nil {
				return err
			}
		}
	}
	if disconnectNBDs {
		return m.disconnectAllNBDs(ctx)
	}
	return nil
}

// copyBackSimResults pulls the slot's uartlog into the job's results dir.
// Copy-back is best effort: a missing log is logged and skipped.
func (m *baseManager) copyBackSimResults(ctx context.Context, slotno int, jobName string, jobResultsDir string) {
	exec, err := m.executor(ctx)
	if err != nil {
		m.log.Warn("Unable to copy results for job %s: %v", jobName, err)
		return
	}

	localDir := filepath.Join(jobResultsDir, jobName)
	if err = os.MkdirAll(localDir, 0755); err != nil {
		m.log.Warn("Unable to create results dir for job %s: %v", jobName, err)
		return
	}

	if err = exec.Get(ctx, m.remoteSimDir(slotno)+"uartlog", filepath.Join(localDir, "uartlog")); err != nil {
		m.log.Warn("Unable to copy uartlog for job %s: %v", jobName, err)
	}
}

// copyBackSwitchLog pulls a switch's log into the results dir.
func (m *baseManager) copyBackSwitchLog(ctx context.Context, slotno int, jobResultsDir string) {
	sw := m.host.SwitchSlots()[slotno]
	exec, err := m.executor(ctx)
	if err != nil {
		m.log.Warn("Unable to copy switchlog for %s: %v", sw.BinaryName(), err)
		return
	}
	local := filepath.Join(jobResultsDir, sw.BinaryName(), sw.LogName())
	if err = exec.Get(ctx, m.remoteSwitchDir(slotno)+sw.LogName(), local); err != nil {
		m.log.Warn("Unable to copy switchlog for %s: %v", sw.BinaryName(), err)
	}
}

// copyBackPipeLog pulls a pipe's log into the results dir.
func (m *baseManager) copyBackPipeLog(ctx context.Context, slotno int, jobResultsDir string) {
	pipe := m.host.PipeSlots()[slotno]
	exec, err := m.executor(ctx)
	if err != nil {
		m.log.Warn("Unable to copy pipelog for %s: %v", pipe.BinaryName(), err)
		return
	}
	local := filepath.Join(jobResultsDir, pipe.BinaryName(), pipe.LogName())
	if err = exec.Get(ctx, m.remotePipeDir(slotno)+pipe.LogName(), local); err != nil {
		m.log.Warn("Unable to copy pipelog for %s: %v", pipe.BinaryName(), err)
	}
}
