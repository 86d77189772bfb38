package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/remote"
	"github.com/abejgonzalez/firesim/common/runfarm"
)

// XilinxVCU118Manager deploys simulations onto VCU118 hosts using the
// garnet shell: bitstreams are programmed over XVSEC rather than XDMA.
type XilinxVCU118Manager struct {
	baseManager
}

const vcu118PlatformName = "xilinx_vcu118"

// NewXilinxVCU118Manager builds the VCU118 deploy manager for a host.
func NewXilinxVCU118Manager(host *runfarm.Host, provider ExecutorProvider) *XilinxVCU118Manager {
	m := &XilinxVCU118Manager{baseManager: newBaseManager(host, provider)}
	m.instance = m
	return m
}

func (m *XilinxVCU118Manager) moduleLoaded(ctx context.Context, module string) (bool, error) {
	exec, err := m.executor(ctx)
	if err != nil {
		return false, err
	}
	res, err := exec.RunWarnOnly(ctx, fmt.Sprintf("lsmod | grep -wq %s", module))
	if err != nil {
		return false, err
	}
	return !res.Failed(), nil
}

func (m *XilinxVCU118Manager) loadXDMA(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	loaded, err := m.moduleLoaded(ctx, "xdma")
	if err != nil {
		return err
	}

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	if !loaded {
		m.instanceLog("Loading XDMA Driver Kernel Module.")
		if _, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-load-xdma-module", scriptPath))); err != nil {
			return err
		}
	} else {
		m.instanceLog("XDMA Driver Kernel Module already loaded.")
	}

	_, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-chmod-xdma-perm", scriptPath)))
	return err
}

func (m *XilinxVCU118Manager) loadXVSEC(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	loaded, err := m.moduleLoaded(ctx, "xvsec")
	if err != nil {
		return err
	}
	if loaded {
		m.instanceLog("XVSEC Driver Kernel Module already loaded.")
		return nil
	}

	m.instanceLog("Loading XVSEC Driver Kernel Module.")
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-load-xvsec-module", scriptPath)))
	return err
}

// xilinxBDFRows parses `lspci | grep -i xilinx` into bus/dev/cap pieces.
func (m *XilinxVCU118Manager) xilinxBDFRows(ctx context.Context) ([][3]string, error) {
	exec, err := m.executor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := exec.Run(ctx, "lspci | grep -i xilinx")
	if err != nil {
		return nil, err
	}

	var rows [][3]string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 7 {
			rows = append(rows, [3]string{line[:2], line[3:5], line[6:7]})
		}
	}
	return rows, nil
}

// flashFPGAs unpacks each slot's bitstream tar and programs the device
// through xvsecctl. The capability number is pinned to 0x1; xvsecctl
// fails to program through other capabilities.
func (m *XilinxVCU118Manager) flashFPGAs(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Flash all FPGA Slots.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	for slotno := range m.host.SimSlots() {
		simDir := m.remoteSimDir(slotno)
		unpackDir := simDir + vcu118PlatformName
		bit := unpackDir + "/firesim.bit"

		if _, err = exec.Run(ctx, fmt.Sprintf("rm -rf %s", unpackDir)); err != nil {
			return err
		}
		if _, err = exec.Run(ctx, fmt.Sprintf("tar xvf %s%s -C %s", simDir, hwdb.BitstreamTarFilename, simDir)); err != nil {
			return err
		}

		rows, err := m.xilinxBDFRows(ctx)
		if err != nil {
			return err
		}
		if slotno >= len(rows) {
			return fmt.Errorf("fewer Xilinx devices than slots (%d >= %d) on %s", slotno, len(rows), m.host.Addr())
		}
		busno, devno := "0x"+rows[slotno][0], "0x"+rows[slotno][1]
		capno := "0x1"

		m.instanceLog("Flashing FPGA Slot: %d (bus:%s, dev:%s, cap:%s) with bit: %s", slotno, busno, devno, capno, bit)
		if _, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-xvsecctl-flash-fpga %s %s %s %s",
			scriptPath, busno, devno, capno, bit))); err != nil {
			return err
		}
	}
	return nil
}

func (m *XilinxVCU118Manager) changePCIePerms(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Change permissions on FPGA slot")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	for slotno := range m.host.SimSlots() {
		rows, err := m.xilinxBDFRows(ctx)
		if err != nil {
			return err
		}
		if slotno >= len(rows) {
			return fmt.Errorf("fewer Xilinx devices than slots (%d >= %d) on %s", slotno, len(rows), m.host.Addr())
		}
		busno, devno, capno := rows[slotno][0], rows[slotno][1], rows[slotno][2]

		m.instanceLog("Changing permissions on FPGA Slot: %d (bus:0x%s, dev:0x%s, cap:0x%s)", slotno, busno, devno, capno)
		if _, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-change-pcie-perms 0000:%s:%s:%s",
			scriptPath, busno, devno, capno))); err != nil {
			return err
		}
	}
	return nil
}

// InfraSetup stages collateral and flashes the boards.
func (m *XilinxVCU118Manager) InfraSetup(ctx context.Context) error {
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
			if err := m.loadXDMA(ctx); err != nil {
				return err
			}
			if err := m.loadXVSEC(ctx); err != nil {
				return err
			}
			if err := m.flashFPGAs(ctx); err != nil {
				return err
			}
			if err := m.changePCIePerms(ctx); err != nil {
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

// EnumerateFPGAs is a no-op: VCU118 devices enumerate over lspci.
func (m *XilinxVCU118Manager) EnumerateFPGAs(ctx context.Context) error { return nil }

// startSimSlot points the driver at the slot's board through PCIe
// plusargs discovered via lspci.
func (m *XilinxVCU118Manager) startSimSlot(ctx context.Context, slotno int) error {
	extraArgs := ""
	if !m.host.MetasimEnabled() {
		rows, err := m.xilinxBDFRows(ctx)
		if err != nil {
			return err
		}
		if slotno >= len(rows) {
			return fmt.Errorf("fewer Xilinx devices than slots (%d >= %d) on %s", slotno, len(rows), m.host.Addr())
		}
		extraArgs = fmt.Sprintf("+domain=0x0000 +bus=0x%s +device=0x%s +function=0x0 +bar=0x0 +pci-vendor=0x10ee +pci-device=0x903f",
			rows[slotno][0], rows[slotno][1])
	}
	return m.defaultStartSimSlot(ctx, slotno, extraArgs)
}

// terminateInstance is a no-op: VCU118 machines are not ours to terminate.
func (m *XilinxVCU118Manager) terminateInstance(ctx context.Context) error { return nil }
