package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/abejgonzalez/firesim/common/metrics"
	"github.com/abejgonzalez/firesim/common/runfarm"
)

var (
	simScreenRe    = regexp.MustCompile(`fsim([0-9][0-9]*)`)
	switchScreenRe = regexp.MustCompile(`switch([0-9][0-9]*)`)
	pipeScreenRe   = regexp.MustCompile(`pipe([0-9][0-9]*)`)
)

// screenStatus is what `screen -ls` reports running on a host: sim slot
// numbers (as strings) and switch/pipe screen names.
type screenStatus struct {
	simDrivers []string
	switches   []string
	pipes      []string
}

// runningSimulations parses `screen -ls` output. screen exits non-zero
// when no screens exist, so the command runs warn-only.
func (m *baseManager) runningSimulations(ctx context.Context) (screenStatus, error) {
	exec, err := m.executor(ctx)
	if err != nil {
		return screenStatus{}, err
	}

	res, err := exec.RunWarnOnly(ctx, "screen -ls")
	if err != nil {
		return screenStatus{}, err
	}
	return parseScreenList(res.Stdout), nil
}

func parseScreenList(output string) screenStatus {
	var status screenStatus
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "(Detached)") && !strings.Contains(line, "(Attached)") {
			continue
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "fsim"):
			if match := simScreenRe.FindString(line); match != "" {
				status.simDrivers = append(status.simDrivers, strings.TrimPrefix(match, "fsim"))
			}
		case strings.Contains(line, "switch"):
			if match := switchScreenRe.FindString(line); match != "" {
				status.switches = append(status.switches, match)
			}
		case strings.Contains(line, "pipe"):
			if match := pipeScreenRe.FindString(line); match != "" {
				status.pipes = append(status.pipes, match)
			}
		}
	}
	return status
}

func contains(list []string, item string) bool {
	for _, x := range list {
		if x == item {
			return true
		}
	}
	return false
}

// MonitorJobs polls this host once and reports per-job completion. Sim
// jobs complete when their screen disappears; switches and pipes run until
// torn down. Newly completed sims get their results copied back, and once
// every sim on the host is done the switches/pipes are killed, their logs
// collected, and the host optionally terminated.
func (m *baseManager) MonitorJobs(ctx context.Context, priorCompletedJobs []string, isFinalLoop bool, isNetworked bool, terminateOnCompletion bool, jobResultsDir string) (runfarm.JobStatus, error) {
	m.instanceDebug("Final loop?: %v Is networked?: %v Terminateoncomplete: %v", isFinalLoop, isNetworked, terminateOnCompletion)
	m.instanceDebug("Prior completed jobs: %v", priorCompletedJobs)

	doTerminate := func() error {
		if (!isNetworked) || (isNetworked && isFinalLoop) {
			if terminateOnCompletion {
				return m.instance.terminateInstance(ctx)
			}
		}
		return nil
	}

	if !m.assignedSimulations() && (m.assignedSwitches() || m.assignedPipes()) {
		m.instanceDebug("Polling switch/pipe-only node")

		// switches never trigger shutdown in a cycle-accurate run; they
		// run until the final loop tears them down
		if isFinalLoop {
			m.instanceDebug("Completing copies for switch-only node")

			for slotno := range m.host.SwitchSlots() {
				m.copyBackSwitchLog(ctx, slotno, jobResultsDir)
			}
			for slotno := range m.host.PipeSlots() {
				m.copyBackPipeLog(ctx, slotno, jobResultsDir)
			}

			return runfarm.JobStatus{
				Sims:     map[string]bool{},
				Switches: map[string]bool{},
				Pipes:    map[string]bool{},
			}, doTerminate()
		}

		status, err := m.runningSimulations(ctx)
		if err != nil {
			return runfarm.JobStatus{}, err
		}

		switchesCompleted := make(map[string]bool)
		for _, name := range status.switches {
			switchesCompleted[name] = false
		}
		for _, sw := range m.host.SwitchSlots() {
			if _, running := switchesCompleted[sw.BinaryName()]; !running {
				switchesCompleted[sw.BinaryName()] = true
			}
		}

		pipesCompleted := make(map[string]bool)
		for _, name := range status.pipes {
			pipesCompleted[name] = false
		}
		for _, pipe := range m.host.PipeSlots() {
			if _, running := pipesCompleted[pipe.BinaryName()]; !running {
				pipesCompleted[pipe.BinaryName()] = true
			}
		}

		return runfarm.JobStatus{
			Sims:     map[string]bool{},
			Switches: switchesCompleted,
			Pipes:    pipesCompleted,
		}, nil
	}

	if m.assignedSimulations() {
		m.instanceDebug("Polling node with simulations (and potentially switches)")

		simSlots := m.host.SimSlots()
		jobNames := make([]string, 0, len(simSlots))
		for _, node := range simSlots {
			jobNames = append(jobNames, node.JobName())
		}

		allJobsCompleted := true
		for _, job := range jobNames {
			if !contains(priorCompletedJobs, job) {
				allJobsCompleted = false
				break
			}
		}

		m.instanceDebug("jobnames: %v", jobNames)
		m.instanceDebug("All jobs completed?: %v", allJobsCompleted)

		if allJobsCompleted {
			// every sim job already finished in a prior poll; nothing to
			// copy and switch status no longer matters
			sims := make(map[string]bool, len(jobNames))
			for _, job := range jobNames {
				sims[job] = true
			}
			return runfarm.JobStatus{
				Sims:     sims,
				Switches: map[string]bool{},
				Pipes:    map[string]bool{},
			}, doTerminate()
		}

		status, err := m.runningSimulations(ctx)
		if err != nil {
			return runfarm.JobStatus{}, err
		}

		switchesCompleted := make(map[string]bool)
		for _, name := range status.switches {
			switchesCompleted[name] = false
		}
		pipesCompleted := make(map[string]bool)
		for _, name := range status.pipes {
			pipesCompleted[name] = false
		}

		m.instanceDebug("Switch slots running: %v", switchesCompleted)
		m.instanceDebug("Pipe slots running: %v", pipesCompleted)
		m.instanceDebug("Sim slots running: %v", status.simDrivers)

		for _, sw := range m.host.SwitchSlots() {
			if _, running := switchesCompleted[sw.BinaryName()]; !running {
				switchesCompleted[sw.BinaryName()] = true
			}
		}
		for _, pipe := range m.host.PipeSlots() {
			if _, running := pipesCompleted[pipe.BinaryName()]; !running {
				pipesCompleted[pipe.BinaryName()] = true
			}
		}

		completedJobs := append([]string(nil), priorCompletedJobs...)
		for slotno, jobName := range jobNames {
			if !contains(status.simDrivers, fmt.Sprintf("%d", slotno)) && !contains(completedJobs, jobName) {
				m.instanceLog("Slot %d, Job %s completed!", slotno, jobName)
				completedJobs = append(completedJobs, jobName)
				metrics.JobsCompleted.Inc()
				m.copyBackSimResults(ctx, slotno, jobName, jobResultsDir)
			}
		}

		sims := make(map[string]bool, len(jobNames))
		nowAllComplete := true
		for _, job := range jobNames {
			sims[job] = contains(completedJobs, job)
			if !sims[job] {
				nowAllComplete = false
			}
		}
		m.instanceDebug("Now done?: %v", nowAllComplete)

		if nowAllComplete {
			// kill any switches/pipes sharing this host and collect their
			// logs before the host goes away
			if m.assignedSwitches() {
				if err := m.KillSwitches(ctx); err != nil {
					return runfarm.JobStatus{}, err
				}
				for slotno := range m.host.SwitchSlots() {
					m.copyBackSwitchLog(ctx, slotno, jobResultsDir)
				}
			}
			if m.assignedPipes() {
				if err := m.KillPipes(ctx); err != nil {
					return runfarm.JobStatus{}, err
				}
				for slotno := range m.host.PipeSlots() {
					m.copyBackPipeLog(ctx, slotno, jobResultsDir)
				}
			}
			if err := doTerminate(); err != nil {
				return runfarm.JobStatus{}, err
			}
		}

		return runfarm.JobStatus{
			Sims:     sims,
			Switches: switchesCompleted,
			Pipes:    pipesCompleted,
		}, nil
	}

	return runfarm.JobStatus{}, fmt.Errorf("host %s has no simulations, switches or pipes assigned", m.host.Addr())
}
