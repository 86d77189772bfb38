package deploy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/remote"
	"github.com/abejgonzalez/firesim/common/runfarm"
	"github.com/abejgonzalez/firesim/common/topology"
)

// fakeExecutor records every command and transfer. Stdout can be scripted
// per command so monitor tests can fake `screen -ls` output.
type fakeExecutor struct {
	mu sync.Mutex

	addr        string
	commands    []string
	warnOnly    []string
	stdout      map[string]string
	putContents map[string]string
	gets        []string
}

func newFakeExecutor(addr string) *fakeExecutor {
	return &fakeExecutor{
		addr:        addr,
		stdout:      make(map[string]string),
		putContents: make(map[string]string),
	}
}

func (f *fakeExecutor) Host() string { return f.addr }

func (f *fakeExecutor) Run(ctx context.Context, cmd string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return remote.Result{Stdout: f.stdout[cmd]}, nil
}

func (f *fakeExecutor) RunWarnOnly(ctx context.Context, cmd string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.warnOnly = append(f.warnOnly, cmd)
	return remote.Result{Stdout: f.stdout[cmd]}, nil
}

func (f *fakeExecutor) Put(ctx context.Context, localPath string, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putContents[remotePath] = localPath
	return nil
}

func (f *fakeExecutor) PutContent(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putContents[remotePath] = string(data)
	return nil
}

func (f *fakeExecutor) Get(ctx context.Context, remotePath string, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, remotePath)
	return nil
}

func (f *fakeExecutor) Close() error { return nil }

func (f *fakeExecutor) ran(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// fakeFarm counts termination requests from hosts.
type fakeFarm struct {
	mu         sync.Mutex
	terminated int
}

func (f *fakeFarm) TerminateHost(ctx context.Context, h *runfarm.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	return nil
}

func (f *fakeFarm) terminations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func screenListOutput(screens ...string) string {
	out := "There are screens on:\n"
	for i, name := range screens {
		out += fmt.Sprintf("\t%d.%s\t(Detached)\n", 2700+i, name)
	}
	out += fmt.Sprintf("%d Sockets in /var/run/screen/S-centos.\n", len(screens))
	return out
}

var _ = Describe("Deploy", func() {
	var (
		ctx  context.Context
		farm *fakeFarm
		exec *fakeExecutor
	)

	BeforeEach(func() {
		ctx = context.Background()
		farm = &fakeFarm{}
		exec = newFakeExecutor("172.16.0.1")
	})

	newManager := func(sims int, switches int, pipes int) *EC2Manager {
		host := runfarm.NewHost(farm, "f1.16xlarge", 8, hwdb.PlatformF1, "/home/centos", "", false)
		host.Bind("172.16.0.1", "i-0123456789abcdef0")

		hwcfg := &hwdb.RuntimeHWConfig{Name: "firesim_rocket_quadcore_nic_l2_llc4mb_ddr3", AGFI: "agfi-0123456789abcdef0"}
		for i := 0; i < sims; i++ {
			node := topology.NewServerNode(i, hwcfg)
			node.SetDriverBinary("FireSim-f1")
			node.SetJobName(fmt.Sprintf("job%d", i))
			Expect(host.AddSimulation(node)).To(Succeed())
		}
		for i := 0; i < switches; i++ {
			Expect(host.AddSwitch(topology.NewSwitchNode(i))).To(Succeed())
		}
		for i := 0; i < pipes; i++ {
			Expect(host.AddPipe(topology.NewPipeNode(i))).To(Succeed())
		}

		m := NewEC2Manager(host, nil)
		m.SetExecutor(exec)
		return m
	}

	Context("parsing screen -ls output", func() {
		It("should extract sim slot numbers and switch/pipe names", func() {
			status := parseScreenList(screenListOutput("fsim0", "fsim12", "switch3", "pipe1"))
			Expect(status.simDrivers).To(Equal([]string{"0", "12"}))
			Expect(status.switches).To(Equal([]string{"switch3"}))
			Expect(status.pipes).To(Equal([]string{"pipe1"}))
		})

		It("should accept attached screens too", func() {
			status := parseScreenList("\t2700.fsim2\t(Attached)\n")
			Expect(status.simDrivers).To(Equal([]string{"2"}))
		})

		It("should ignore lines that are not screen entries", func() {
			status := parseScreenList("No Sockets found in /var/run/screen/S-centos.\n")
			Expect(status.simDrivers).To(BeEmpty())
			Expect(status.switches).To(BeEmpty())
			Expect(status.pipes).To(BeEmpty())
		})
	})

	Context("generated run scripts", func() {
		It("should build a sim-run.sh that boots the driver under screen", func() {
			node := topology.NewServerNode(0, nil)
			node.SetDriverBinary("FireSim-f1")
			node.AddPlusArg("+blkdev0=rootfs.img")

			script := simRunScript(node, 3, "+slotid=3")
			Expect(script).To(ContainSubstring("screen -S fsim3 -d -m"))
			Expect(script).To(ContainSubstring("sudo ./FireSim-f1 +blkdev0=rootfs.img +slotid=3"))
			Expect(script).To(ContainSubstring("uartlog"))
		})

		It("should pass latency and bandwidth parameters to the switch", func() {
			sw := topology.NewSwitchNode(2)
			sw.LinkLatency = 6405
			sw.SwitchingLatency = 10
			sw.Bandwidth = 200

			Expect(switchRunScript(sw)).To(ContainSubstring("sudo ./switch2 6405 10 200"))
		})
	})

	Context("starting simulations", func() {
		It("should stage sim-run.sh with the slot's plusargs and execute it", func() {
			m := newManager(1, 0, 0)
			Expect(m.StartSimulations(ctx)).To(Succeed())

			script, staged := exec.putContents["/home/centos/sim_slot_0/sim-run.sh"]
			Expect(staged).To(BeTrue())
			Expect(script).To(ContainSubstring("sudo ./FireSim-f1 +slotid=0"))
			Expect(exec.ran("cd /home/centos/sim_slot_0/ && ./sim-run.sh")).To(BeTrue())
		})
	})

	Context("monitoring a switch-only host", func() {
		It("should report running switches as incomplete", func() {
			m := newManager(0, 2, 0)
			exec.stdout["screen -ls"] = screenListOutput("switch0", "switch1")

			status, err := m.MonitorJobs(ctx, nil, false, true, false, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Sims).To(BeEmpty())
			Expect(status.Switches).To(HaveKeyWithValue("switch0", false))
			Expect(status.Switches).To(HaveKeyWithValue("switch1", false))
			Expect(farm.terminations()).To(Equal(0))
		})

		It("should mark a vanished switch as complete", func() {
			m := newManager(0, 2, 0)
			exec.stdout["screen -ls"] = screenListOutput("switch1")

			status, err := m.MonitorJobs(ctx, nil, false, true, false, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Switches).To(HaveKeyWithValue("switch0", true))
			Expect(status.Switches).To(HaveKeyWithValue("switch1", false))
		})

		It("should copy logs and terminate on the final loop", func() {
			m := newManager(0, 1, 1)

			status, err := m.MonitorJobs(ctx, nil, true, true, true, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Sims).To(BeEmpty())
			Expect(status.Switches).To(BeEmpty())
			Expect(exec.gets).To(ContainElement("/home/centos/switch_slot_0/switchlog"))
			Expect(exec.gets).To(ContainElement("/home/centos/pipe_slot_0/pipelog"))
			Expect(farm.terminations()).To(Equal(1))
		})

		It("should not terminate before the final loop of a networked run", func() {
			m := newManager(0, 1, 0)
			exec.stdout["screen -ls"] = screenListOutput("switch0")

			_, err := m.MonitorJobs(ctx, nil, false, true, true, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(farm.terminations()).To(Equal(0))
		})
	})

	Context("monitoring a host with simulations", func() {
		It("should detect a newly finished sim and copy its results back", func() {
			m := newManager(2, 0, 0)
			exec.stdout["screen -ls"] = screenListOutput("fsim1")

			status, err := m.MonitorJobs(ctx, nil, false, false, false, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Sims).To(HaveKeyWithValue("job0", true))
			Expect(status.Sims).To(HaveKeyWithValue("job1", false))
			Expect(exec.gets).To(ContainElement("/home/centos/sim_slot_0/uartlog"))
			Expect(exec.gets).ToNot(ContainElement("/home/centos/sim_slot_1/uartlog"))
		})

		It("should not re-copy results for previously completed jobs", func() {
			m := newManager(2, 0, 0)
			exec.stdout["screen -ls"] = screenListOutput("fsim1")

			status, err := m.MonitorJobs(ctx, []string{"job0"}, false, false, false, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Sims).To(HaveKeyWithValue("job0", true))
			Expect(exec.gets).To(BeEmpty())
		})

		It("should kill switches and terminate once every sim is done", func() {
			m := newManager(1, 1, 0)
			exec.stdout["screen -ls"] = screenListOutput("switch0")

			status, err := m.MonitorJobs(ctx, nil, false, false, true, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Sims).To(HaveKeyWithValue("job0", true))
			Expect(exec.ran("screen -XS switch0 quit")).To(BeTrue())
			Expect(exec.gets).To(ContainElement("/home/centos/switch_slot_0/switchlog"))
			Expect(farm.terminations()).To(Equal(1))
		})

		It("should respect terminate_on_completion being disabled", func() {
			m := newManager(1, 0, 0)
			exec.stdout["screen -ls"] = screenListOutput()

			_, err := m.MonitorJobs(ctx, nil, false, false, false, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(farm.terminations()).To(Equal(0))
		})

		It("should short-circuit without polling when all jobs already finished", func() {
			m := newManager(2, 0, 0)

			status, err := m.MonitorJobs(ctx, []string{"job0", "job1"}, false, false, true, GinkgoT().TempDir())
			Expect(err).ToNot(HaveOccurred())
			Expect(status.Sims).To(HaveKeyWithValue("job0", true))
			Expect(status.Sims).To(HaveKeyWithValue("job1", true))
			Expect(exec.ran("screen -ls")).To(BeFalse())
			Expect(farm.terminations()).To(Equal(1))
		})

		It("should error on a host with nothing assigned", func() {
			m := newManager(0, 0, 0)
			_, err := m.MonitorJobs(ctx, nil, false, false, false, GinkgoT().TempDir())
			Expect(err).To(HaveOccurred())
		})
	})

	Context("killing processes", func() {
		It("should quit every sim screen and optionally disconnect NBDs", func() {
			m := newManager(2, 0, 0)
			m.host.SimSlots()[0].SetQCOW2Required(true)

			Expect(m.KillSimulations(ctx, true)).To(Succeed())
			Expect(exec.ran("screen -XS fsim0 quit")).To(BeTrue())
			Expect(exec.ran("screen -XS fsim1 quit")).To(BeTrue())

			exec.mu.Lock()
			var sawNBD bool
			for _, cmd := range exec.warnOnly {
				if strings.Contains(cmd, "qemu-nbd -d /dev/nbd0") {
					sawNBD = true
				}
			}
			exec.mu.Unlock()
			Expect(sawNBD).To(BeTrue())
		})

		It("should skip NBD disconnects when no sim boots from qcow2", func() {
			m := newManager(1, 0, 0)
			Expect(m.KillSimulations(ctx, true)).To(Succeed())

			exec.mu.Lock()
			defer exec.mu.Unlock()
			for _, cmd := range exec.warnOnly {
				Expect(cmd).ToNot(ContainSubstring("qemu-nbd"))
			}
		})

		It("should clean up shmem regions after killing switches", func() {
			m := newManager(0, 1, 0)
			Expect(m.KillSwitches(ctx)).To(Succeed())
			Expect(exec.ran("screen -XS switch0 quit")).To(BeTrue())
			Expect(exec.ran("sudo rm -rf /dev/shm/*")).To(BeTrue())
		})
	})

	Context("staging switch infrastructure", func() {
		It("should write switchrun.sh into the switch slot", func() {
			m := newManager(0, 1, 0)
			Expect(m.copySwitchSlotInfrastructure(ctx, 0)).To(Succeed())

			script, staged := exec.putContents["/home/centos/switch_slot_0/switchrun.sh"]
			Expect(staged).To(BeTrue())
			Expect(script).To(ContainSubstring("./switch0"))
		})
	})
})
