package deploy

import (
	"context"
	"fmt"

	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/goccy/go-json"
)

// VitisManager deploys simulations onto Vitis/XRT hosts (xclbin flow).
type VitisManager struct {
	baseManager
}

const vitisPlatformName = "vitis"

// NewVitisManager builds the Vitis deploy manager for a host.
func NewVitisManager(host *runfarm.Host, provider ExecutorProvider) *VitisManager {
	m := &VitisManager{baseManager: newBaseManager(host, provider)}
	m.instance = m
	return m
}

// xbutilExamine is the slice of `xbutil examine` JSON output we need.
type xbutilExamine struct {
	System struct {
		Host struct {
			Devices []struct {
				BDF string `json:"bdf"`
			} `json:"devices"`
		} `json:"host"`
	} `json:"system"`
}

// clearFPGAs resets every card xbutil can see. xbutil writes its JSON to a
// file by default; process substitution pipes it to stdout instead.
func (m *VitisManager) clearFPGAs(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Clearing all FPGA Slots.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	res, err := exec.RunWarnOnly(ctx, "xbutil examine --force --format JSON -o >(cat) > /dev/null")
	if err != nil {
		return err
	}
	if res.Stderr != "" {
		m.log.Error("xbutil returned:\n%s", res.Stderr)
	}

	var examined xbutilExamine
	if err = json.Unmarshal([]byte(res.Stdout), &examined); err != nil {
		return fmt.Errorf("parsing xbutil examine output on %s: %w", m.host.Addr(), err)
	}

	for _, device := range examined.System.Host.Devices {
		if _, err = exec.Run(ctx, fmt.Sprintf("xbutil reset -d %s --force", device.BDF)); err != nil {
			return err
		}
	}
	return nil
}

// copyBitstreams unpacks each slot's bitstream tar so the xclbin is in
// place for the driver.
func (m *VitisManager) copyBitstreams(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Copy bitstreams to flash.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	for slotno := range m.host.SimSlots() {
		simDir := m.remoteSimDir(slotno)
		unpackDir := fmt.Sprintf("%s%s", simDir, vitisPlatformName)
		if _, err = exec.Run(ctx, fmt.Sprintf("rm -rf %s", unpackDir)); err != nil {
			return err
		}
		if _, err = exec.Run(ctx, fmt.Sprintf("tar xvf %s%s -C %s", simDir, hwdb.BitstreamTarFilename, simDir)); err != nil {
			return err
		}
	}
	return nil
}

// InfraSetup stages collateral and preps the cards.
func (m *VitisManager) InfraSetup(ctx context.Context) error {
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
			if err := m.clearFPGAs(ctx); err != nil {
				return err
			}
			if err := m.copyBitstreams(ctx); err != nil {
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

// EnumerateFPGAs is a no-op: XRT enumerates cards itself.
func (m *VitisManager) EnumerateFPGAs(ctx context.Context) error { return nil }

// startSimSlot passes the unpacked xclbin to the driver.
func (m *VitisManager) startSimSlot(ctx context.Context, slotno int) error {
	extraArgs := ""
	if !m.host.MetasimEnabled() {
		bit := fmt.Sprintf("%s%s/firesim.xclbin", m.remoteSimDir(slotno), vitisPlatformName)
		extraArgs = fmt.Sprintf("+slotid=%d +binary_file=%s", slotno, bit)
	}
	return m.defaultStartSimSlot(ctx, slotno, extraArgs)
}

// terminateInstance is a no-op: Vitis machines are not ours to terminate.
func (m *VitisManager) terminateInstance(ctx context.Context) error { return nil }
