package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/remote"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/goccy/go-json"
)

// scriptPath is where the host-side helper scripts are installed on
// on-prem run farm machines.
const scriptPath = "/usr/local/bin"

// XilinxAlveoManager deploys simulations onto on-prem Alveo hosts. The
// host's FPGA database file maps sim slots to PCIe BDFs.
type XilinxAlveoManager struct {
	baseManager

	platformName string
}

func newXilinxAlveoManager(host *runfarm.Host, provider ExecutorProvider, platformName string) *XilinxAlveoManager {
	m := &XilinxAlveoManager{
		baseManager:  newBaseManager(host, provider),
		platformName: platformName,
	}
	m.instance = m
	return m
}

// NewXilinxAlveoU200Manager builds the deploy manager for Alveo U200 hosts.
func NewXilinxAlveoU200Manager(host *runfarm.Host, provider ExecutorProvider) *XilinxAlveoManager {
	return newXilinxAlveoManager(host, provider, "xilinx_alveo_u200")
}

// NewXilinxAlveoU250Manager builds the deploy manager for Alveo U250 hosts.
func NewXilinxAlveoU250Manager(host *runfarm.Host, provider ExecutorProvider) *XilinxAlveoManager {
	return newXilinxAlveoManager(host, provider, "xilinx_alveo_u250")
}

// NewXilinxAlveoU280Manager builds the deploy manager for Alveo U280 hosts.
func NewXilinxAlveoU280Manager(host *runfarm.Host, provider ExecutorProvider) *XilinxAlveoManager {
	return newXilinxAlveoManager(host, provider, "xilinx_alveo_u280")
}

// NewNitefuryIIManager builds the deploy manager for RHS Research
// Nitefury II hosts, which share the Alveo flow.
func NewNitefuryIIManager(host *runfarm.Host, provider ExecutorProvider) *XilinxAlveoManager {
	return newXilinxAlveoManager(host, provider, "rhsresearch_nitefury_ii")
}

type fpgaDBEntry struct {
	BDF string `json:"bdf"`
}

// slotToBDF resolves a sim slot to its PCIe BDF via the host's FPGA
// database file.
func (m *XilinxAlveoManager) slotToBDF(ctx context.Context, slotno int) (string, error) {
	m.instanceLog("Determine BDF for %d", slotno)

	exec, err := m.executor(ctx)
	if err != nil {
		return "", err
	}
	res, err := exec.Run(ctx, fmt.Sprintf("cat %s", m.host.FPGADB()))
	if err != nil {
		return "", err
	}

	var db []fpgaDBEntry
	if err = json.Unmarshal([]byte(res.Stdout), &db); err != nil {
		return "", fmt.Errorf("parsing FPGA database %s on %s: %w", m.host.FPGADB(), m.host.Addr(), err)
	}
	if slotno >= len(db) {
		return "", fmt.Errorf("fewer FPGAs available than slots (%d >= %d) on %s", slotno, len(db), m.host.Addr())
	}
	return db[slotno].BDF, nil
}

func (m *XilinxAlveoManager) xdmaLoaded(ctx context.Context) (bool, error) {
	exec, err := m.executor(ctx)
	if err != nil {
		return false, err
	}
	res, err := exec.RunWarnOnly(ctx, "lsmod | grep -wq xdma")
	if err != nil {
		return false, err
	}
	return !res.Failed(), nil
}

func (m *XilinxAlveoManager) loadXDMA(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	loaded, err := m.xdmaLoaded(ctx)
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

func (m *XilinxAlveoManager) unloadXDMA(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	loaded, err := m.xdmaLoaded(ctx)
	if err != nil {
		return err
	}
	if !loaded {
		m.instanceLog("XDMA Driver Kernel Module already unloaded.")
		return nil
	}

	m.instanceLog("Unloading XDMA Driver Kernel Module.")
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-remove-xdma-module", scriptPath)))
	return err
}

// flashFPGAs unpacks each slot's bitstream tar and programs the slot's
// card through the host-side flashing utility.
func (m *XilinxAlveoManager) flashFPGAs(ctx context.Context) error {
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
		unpackDir := simDir + m.platformName
		bit := unpackDir + "/firesim.bit"

		if _, err = exec.Run(ctx, fmt.Sprintf("rm -rf %s", unpackDir)); err != nil {
			return err
		}
		if _, err = exec.Run(ctx, fmt.Sprintf("tar xvf %s%s -C %s", simDir, hwdb.BitstreamTarFilename, simDir)); err != nil {
			return err
		}

		bdf, err := m.slotToBDF(ctx, slotno)
		if err != nil {
			return err
		}

		m.instanceLog("Flashing FPGA Slot: %d (%s) with bitstream: %s", slotno, bdf, bit)
		if _, err = exec.Run(ctx, fmt.Sprintf("%s/firesim-fpga-util.py --bitstream %s --bdf %s --fpga-db %s",
			scriptPath, bit, bdf, m.host.FPGADB())); err != nil {
			return err
		}
	}
	return nil
}

// changePCIePerms opens up the sysfs PCIe nodes for the assigned slots so
// the driver can run unprivileged.
func (m *XilinxAlveoManager) changePCIePerms(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}
	m.instanceLog("Change permissions on FPGA slot")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	for slotno := range m.host.SimSlots() {
		bdf, err := m.slotToBDF(ctx, slotno)
		if err != nil {
			return err
		}
		m.instanceLog("Changing permissions on FPGA Slot: %d (bdf:%s)", slotno, bdf)
		if _, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-change-pcie-perms 0000:%s", scriptPath, bdf))); err != nil {
			return err
		}
	}
	return nil
}

// xilinxBDFs lists the BDFs of every Xilinx device on the host via lspci.
func (m *XilinxAlveoManager) xilinxBDFs(ctx context.Context) ([]string, error) {
	exec, err := m.executor(ctx)
	if err != nil {
		return nil, err
	}
	res, err := exec.Run(ctx, "lspci | grep -i xilinx")
	if err != nil {
		return nil, err
	}

	var bdfs []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 7 {
			bdfs = append(bdfs, line[:7])
		}
	}
	return bdfs, nil
}

// changeAllPCIePerms opens up every Xilinx device before enumeration,
// when the slot mapping does not exist yet.
func (m *XilinxAlveoManager) changeAllPCIePerms(ctx context.Context) error {
	bdfs, err := m.xilinxBDFs(ctx)
	if err != nil {
		return err
	}

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	for _, bdf := range bdfs {
		m.instanceLog("Changing permissions on FPGA: %s", bdf)
		if _, err = exec.Run(ctx, remote.Sudo(fmt.Sprintf("%s/firesim-change-pcie-perms 0000:%s", scriptPath, bdf))); err != nil {
			return err
		}
	}
	return nil
}

// InfraSetup stages collateral and flashes the cards.
func (m *XilinxAlveoManager) InfraSetup(ctx context.Context) error {
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
			if err := m.unloadXDMA(ctx); err != nil {
				return err
			}
			if err := m.flashFPGAs(ctx); err != nil {
				return err
			}
			if err := m.loadXDMA(ctx); err != nil {
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

// createFPGADatabase stages one slot's collateral into a scratch dir and
// runs the host-side enumeration utility, producing the slot-to-BDF
// database used by every later pass.
func (m *XilinxAlveoManager) createFPGADatabase(ctx context.Context) error {
	m.instanceLog("Creating FPGA database")

	slots := m.host.SimSlots()
	if len(slots) == 0 {
		return fmt.Errorf("host %s has no sim slots to enumerate with", m.host.Addr())
	}
	node := slots[0]

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	stagingDir := fmt.Sprintf("%s/enumerate_fpgas_staging", m.host.SimDir())
	if _, err = exec.Run(ctx, fmt.Sprintf("mkdir -p %s/rsyncdir/", stagingDir)); err != nil {
		return err
	}
	for _, localPath := range node.RequiredFiles() {
		remotePath := fmt.Sprintf("%s/rsyncdir/%s", stagingDir, baseName(localPath))
		if err = exec.Put(ctx, localPath, remotePath, 0644); err != nil {
			return err
		}
	}
	if _, err = exec.Run(ctx, fmt.Sprintf("cp -r %s/rsyncdir/* %s/", stagingDir, stagingDir)); err != nil {
		return err
	}

	if _, err = exec.Run(ctx, remote.InDir(stagingDir, fmt.Sprintf("tar -xf %s", hwdb.DriverTarFilename))); err != nil {
		return err
	}

	unpackDir := fmt.Sprintf("%s/%s", stagingDir, m.platformName)
	if _, err = exec.Run(ctx, fmt.Sprintf("rm -rf %s", unpackDir)); err != nil {
		return err
	}
	if _, err = exec.Run(ctx, fmt.Sprintf("tar xvf %s/%s -C %s", stagingDir, hwdb.BitstreamTarFilename, stagingDir)); err != nil {
		return err
	}

	bitstream := unpackDir + "/firesim.bit"
	driver := fmt.Sprintf("%s/FireSim-%s", stagingDir, m.platformName)
	_, err = exec.Run(ctx, remote.InDir(stagingDir,
		fmt.Sprintf("%s/firesim-generate-fpga-db.py --bitstream %s --driver %s --out-db-json %s",
			scriptPath, bitstream, driver, m.host.FPGADB())))
	return err
}

// EnumerateFPGAs builds the host's FPGA database.
func (m *XilinxAlveoManager) EnumerateFPGAs(ctx context.Context) error {
	if !m.assignedSimulations() {
		return nil
	}

	if err := m.unloadXDMA(ctx); err != nil {
		return err
	}
	if err := m.loadXDMA(ctx); err != nil {
		return err
	}
	if err := m.changeAllPCIePerms(ctx); err != nil {
		return err
	}
	return m.createFPGADatabase(ctx)
}

// startSimSlot points the driver at the slot's card through PCIe plusargs.
func (m *XilinxAlveoManager) startSimSlot(ctx context.Context, slotno int) error {
	extraArgs := ""
	if !m.host.MetasimEnabled() {
		bdf, err := m.slotToBDF(ctx, slotno)
		if err != nil {
			return err
		}
		pieces := strings.Split(strings.ReplaceAll(bdf, ".", ":"), ":")
		if len(pieces) < 3 {
			return fmt.Errorf("malformed BDF %q for slot %d on %s", bdf, slotno, m.host.Addr())
		}
		extraArgs = fmt.Sprintf("+domain=0x0000 +bus=0x%s +device=0x%s +function=0x%s +bar=0x0 +pci-vendor=0x10ee +pci-device=0x903f",
			pieces[0], pieces[1], pieces[2])
	}
	return m.defaultStartSimSlot(ctx, slotno, extraArgs)
}

// terminateInstance is a no-op: on-prem machines are not ours to terminate.
func (m *XilinxAlveoManager) terminateInstance(ctx context.Context) error { return nil }

func baseName(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
