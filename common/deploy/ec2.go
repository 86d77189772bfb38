package deploy

import (
	"context"
	"fmt"

	"github.com/abejgonzalez/firesim/common/remote"
	"github.com/abejgonzalez/firesim/common/runfarm"
)

// EC2Manager deploys simulations onto AWS F1 instances: installing the
// FPGA SDK, managing the XDMA driver, and flashing AGFIs.
type EC2Manager struct {
	baseManager
}

// NewEC2Manager builds the F1 deploy manager for a host.
func NewEC2Manager(host *runfarm.Host, provider ExecutorProvider) *EC2Manager {
	m := &EC2Manager{baseManager: newBaseManager(host, provider)}
	m.nbdTracker = NewNBDTracker()
	m.instance = m
	return m
}

// remoteKmsg writes a marker into the remote kernel log so host-side
// driver messages can be correlated with manager activity.
func (m *EC2Manager) remoteKmsg(ctx context.Context, message string) error {
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, fmt.Sprintf("echo '%s' | sudo tee /dev/kmsg", message))
	return err
}

// installAWSFPGASDK clones aws-fpga and sources its SDK setup, giving us
// the fpga-* management tools.
func (m *EC2Manager) installAWSFPGASDK(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Installing AWS FPGA SDK on remote nodes.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	if _, err = exec.RunWarnOnly(ctx, "git clone https://github.com/aws/aws-fpga"); err != nil {
		return err
	}
	_, err = exec.Run(ctx, fmt.Sprintf("cd /home/%s/aws-fpga && source sdk_setup.sh", remoteUser()))
	return err
}

// unloadXRTAndXocl removes XRT packages. The fpga management tools force
// load xocl after a flash, which conflicts with the XDMA driver.
func (m *EC2Manager) unloadXRTAndXocl(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Unloading XRT-related Kernel Modules.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	if err = m.remoteKmsg(ctx, "removing_xrt_start"); err != nil {
		return err
	}
	if _, err = exec.RunWarnOnly(ctx, "sudo systemctl stop mpd"); err != nil {
		return err
	}
	if _, err = exec.RunWarnOnly(ctx, "sudo yum remove -y xrt xrt-aws"); err != nil {
		return err
	}
	return m.remoteKmsg(ctx, "removing_xrt_end")
}

// fpgaNodeXDMA copies the XDMA driver sources to the host and builds them.
func (m *EC2Manager) fpgaNodeXDMA(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Copying AWS FPGA XDMA driver to remote node.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	xdmaDir := fmt.Sprintf("/home/%s/xdma", remoteUser())
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s/", xdmaDir)); err != nil {
		return err
	}
	if _, err = exec.Run(ctx, fmt.Sprintf("cp -r /home/%s/aws-fpga/sdk/linux_kernel_drivers %s/", remoteUser(), xdmaDir)); err != nil {
		return err
	}
	_, err = exec.Run(ctx, remote.InDir(xdmaDir+"/linux_kernel_drivers/xdma/",
		"export PATH=/usr/bin:$PATH && make clean && make"))
	return err
}

func (m *EC2Manager) unloadXDMA(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Unloading XDMA Driver Kernel Module.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	if err = m.remoteKmsg(ctx, "removing_xdma_start"); err != nil {
		return err
	}
	if _, err = exec.RunWarnOnly(ctx, "sudo rmmod xdma"); err != nil {
		return err
	}
	return m.remoteKmsg(ctx, "removing_xdma_end")
}

func (m *EC2Manager) loadXDMA(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	// xocl conflicts with the xdma driver, so clear everything first
	if err := m.unloadXDMA(ctx); err != nil {
		return err
	}
	m.instanceLog("Loading XDMA Driver Kernel Module.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, fmt.Sprintf("sudo insmod /home/%s/xdma/linux_kernel_drivers/xdma/xdma.ko poll_mode=1", remoteUser()))
	return err
}

// clearFPGAs clears every FPGA slot on the instance, then polls until the
// management tools report each slot cleared.
func (m *EC2Manager) clearFPGAs(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	for slotno := 0; slotno < m.host.MaxSimSlots(); slotno++ {
		m.instanceLog("Clearing FPGA Slot %d.", slotno)
		if err = m.remoteKmsg(ctx, fmt.Sprintf("about_to_clear_fpga%d", slotno)); err != nil {
			return err
		}
		if _, err = exec.Run(ctx, fmt.Sprintf("sudo fpga-clear-local-image -S %d -A", slotno)); err != nil {
			return err
		}
		if err = m.remoteKmsg(ctx, fmt.Sprintf("done_clearing_fpga%d", slotno)); err != nil {
			return err
		}
	}

	for slotno := 0; slotno < m.host.MaxSimSlots(); slotno++ {
		m.instanceLog("Checking for Cleared FPGA Slot %d.", slotno)
		if err = m.remoteKmsg(ctx, fmt.Sprintf("about_to_check_clear_fpga%d", slotno)); err != nil {
			return err
		}
		if _, err = exec.Run(ctx, fmt.Sprintf(`until sudo fpga-describe-local-image -S %d -R -H | grep -q "cleared"; do  sleep 1;  done`, slotno)); err != nil {
			return err
		}
		if err = m.remoteKmsg(ctx, fmt.Sprintf("done_checking_clear_fpga%d", slotno)); err != nil {
			return err
		}
	}
	return nil
}

// flashFPGAs flashes each assigned slot with its AGFI. Unused slots get
// flashed with one of the assigned AGFIs anyway: XDMA hangs if any FPGA on
// the instance is left cleared, and software masters every PCIe
// interaction, so a dummy image is harmless.
func (m *EC2Manager) flashFPGAs(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	var dummyAGFI string
	slots := m.host.SimSlots()
	for slotno, node := range slots {
		if node.HWConfig == nil || node.HWConfig.AGFI == "" {
			return fmt.Errorf("sim slot %d on %s has no AGFI to flash", slotno, m.host.Addr())
		}
		agfi := node.HWConfig.AGFI
		dummyAGFI = agfi
		m.instanceLog("Flashing FPGA Slot: %d with agfi: %s.", slotno, agfi)
		if _, err = exec.Run(ctx, fmt.Sprintf("sudo fpga-load-local-image -S %d -I %s -A", slotno, agfi)); err != nil {
			return err
		}
	}

	for slotno := len(slots); slotno < m.host.MaxSimSlots(); slotno++ {
		m.instanceLog("Flashing FPGA Slot: %d with dummy agfi: %s.", slotno, dummyAGFI)
		if _, err = exec.Run(ctx, fmt.Sprintf("sudo fpga-load-local-image -S %d -I %s -A", slotno, dummyAGFI)); err != nil {
			return err
		}
	}

	for slotno := 0; slotno < m.host.MaxSimSlots(); slotno++ {
		m.instanceLog("Checking for Flashed FPGA Slot: %d.", slotno)
		if _, err = exec.Run(ctx, fmt.Sprintf(`until sudo fpga-describe-local-image -S %d -R -H | grep -q "loaded"; do  sleep 1;  done`, slotno)); err != nil {
			return err
		}
	}
	return nil
}

// startILAServer starts the vivado hw_server and virtual JTAG screens used
// for ILA debugging.
func (m *EC2Manager) startILAServer(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	m.instanceLog("Starting Vivado hw_server.")
	if _, err = exec.Run(ctx, `screen -S hw_server -d -m bash -c "script -f -c 'hw_server'"; sleep 1`); err != nil {
		return err
	}
	m.instanceLog("Starting Vivado virtual JTAG.")
	_, err = exec.Run(ctx, `screen -S virtual_jtag -d -m bash -c "script -f -c 'sudo fpga-start-virtual-jtag -P 10201 -S 0'"; sleep 1`)
	return err
}

func (m *EC2Manager) killILAServer(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	if _, err = exec.RunWarnOnly(ctx, "sudo pkill -SIGKILL hw_server"); err != nil {
		return err
	}
	_, err = exec.RunWarnOnly(ctx, "sudo pkill -SIGKILL fpga-local-cmd")
	return err
}

// InfraSetup stages sim/switch/pipe collateral and preps the FPGAs.
func (m *EC2Manager) InfraSetup(ctx context.Context) error {
	if m.assignedSimulations() {
		for slotno := range m.host.SimSlots() {
			if err := m.copySimSlotInfrastructure(ctx, slotno); err != nil {
				return err
			}
			if err := m.extractDriverTarball(ctx, slotno); err != nil {
				return err
			}
		}

		if !m.host.MetasimEnabled() {
			if err := m.installAWSFPGASDK(ctx); err != nil {
				return err
			}
			if err := m.unloadXRTAndXocl(ctx); err != nil {
				return err
			}
			if err := m.fpgaNodeXDMA(ctx); err != nil {
				return err
			}
			if err := m.loadXDMA(ctx); err != nil {
				return err
			}
		}

		if err := m.simNodeQCOW(ctx); err != nil {
			return err
		}
		if err := m.loadNBDModule(ctx); err != nil {
			return err
		}

		if !m.host.MetasimEnabled() {
			if err := m.clearFPGAs(ctx); err != nil {
				return err
			}
			if err := m.flashFPGAs(ctx); err != nil {
				return err
			}
			// flashing force-loads xocl, so reload XDMA afterwards
			if err := m.loadXDMA(ctx); err != nil {
				return err
			}
			if err := m.killILAServer(ctx); err != nil {
				return err
			}
			if err := m.startILAServer(ctx); err != nil {
				return err
			}
		}
	}

	for slotno := range m.host.SwitchSlots() {
		if err := m.copySwitchSlotInfrastructure(ctx, slotno); err != nil {
			return err
		}
	}
	for slotno := range m.host.PipeSlots() {
		if err := m.copyPipeSlotInfrastructure(ctx, slotno); err != nil {
			return err
		}
	}
	return nil
}

// EnumerateFPGAs is a no-op: F1 slots are already enumerated.
func (m *EC2Manager) EnumerateFPGAs(ctx context.Context) error { return nil }

func (m *EC2Manager) startSimSlot(ctx context.Context, slotno int) error {
	return m.defaultStartSimSlot(ctx, slotno, fmt.Sprintf("+slotid=%d", slotno))
}

func (m *EC2Manager) terminateInstance(ctx context.Context) error {
	m.instanceDebug("Terminating instance")
	return m.host.TerminateSelf(ctx)
}
