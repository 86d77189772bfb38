package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NBDsMax is the device count the nbd.ko kernel module is loaded with.
const NBDsMax = 128

// NBDTracker allocates /dev/nbdX devices to qcow2 image names on a single
// host. It does not itself connect images; callers run qemu-nbd.
type NBDTracker struct {
	mu        sync.Mutex
	unallocd  []string
	allocated map[string]string
}

// NewNBDTracker returns a tracker with all NBD devices unallocated.
func NewNBDTracker() *NBDTracker {
	t := &NBDTracker{allocated: make(map[string]string)}
	for i := 0; i < NBDsMax; i++ {
		t.unallocd = append(t.unallocd, fmt.Sprintf("/dev/nbd%d", i))
	}
	return t
}

// NBDForImage returns the device for imageName, allocating one if needed.
func (t *NBDTracker) NBDForImage(imageName string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dev, ok := t.allocated[imageName]; ok {
		return dev, nil
	}
	if len(t.unallocd) == 0 {
		return "", fmt.Errorf("no NBDs left to allocate on this host")
	}
	dev := t.unallocd[0]
	t.unallocd = t.unallocd[1:]
	t.allocated[imageName] = dev
	return dev, nil
}

// nbdActive gates every NBD procedure: the platform must support the
// kernel module and some sim on the host must boot from qcow2.
func (m *baseManager) nbdActive() bool {
	return m.nbdTracker != nil && m.host.QCOW2SupportRequired()
}

// simNodeQCOW installs qemu-img and copies the prebuilt nbd.ko to the host.
func (m *baseManager) simNodeQCOW(ctx context.Context) error {
	if !m.nbdActive() {
		return nil
	}
	m.instanceLog("Setting up remote node for qcow2 disk images.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	if _, err = exec.Run(ctx, "sudo yum -y install qemu-img"); err != nil {
		return err
	}
	return exec.Put(ctx, "../build/nbd.ko", fmt.Sprintf("/home/%s/nbd.ko", remoteUser()), 0644)
}

// loadNBDModule loads nbd.ko, unloading first so it starts clean.
func (m *baseManager) loadNBDModule(ctx context.Context) error {
	if !m.nbdActive() {
		return nil
	}
	m.instanceLog("Loading NBD Kernel Module.")

	if err := m.unloadNBDModule(ctx); err != nil {
		return err
	}
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, fmt.Sprintf("sudo insmod /home/%s/nbd.ko nbds_max=%d", remoteUser(), NBDsMax))
	return err
}

// unloadNBDModule disconnects all devices and removes the module.
func (m *baseManager) unloadNBDModule(ctx context.Context) error {
	if !m.nbdActive() {
		return nil
	}
	m.instanceLog("Unloading NBD Kernel Module.")

	if err := m.disconnectAllNBDs(ctx); err != nil {
		return err
	}
	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.RunWarnOnly(ctx, "sudo rmmod nbd")
	return err
}

// disconnectAllNBDs disconnects every device in one command; warn-only so
// it is safe when nothing is connected.
func (m *baseManager) disconnectAllNBDs(ctx context.Context) error {
	if !m.nbdActive() {
		return nil
	}
	m.instanceLog("Disconnecting all NBDs.")

	exec, err := m.executor(ctx)
	if err != nil {
		return err
	}

	cmds := make([]string, 0, NBDsMax)
	for i := 0; i < NBDsMax; i++ {
		cmds = append(cmds, fmt.Sprintf("sudo qemu-nbd -d /dev/nbd%d", i))
	}
	_, err = exec.RunWarnOnly(ctx, strings.Join(cmds, "; "))
	return err
}
