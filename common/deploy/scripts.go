package deploy

import (
	"fmt"
	"strings"

	"github.com/abejgonzalez/firesim/common/topology"
)

// simRunScript builds the sim-run.sh staged into a sim slot. The script
// boots the driver in a detached screen; the screen's `script` wrapper
// captures all driver output into uartlog. The stty dance keeps ^C from
// reaching the driver while it owns the terminal.
func simRunScript(node *topology.ServerNode, slotno int, extraArgs string) string {
	args := strings.Join(node.PlusArgs(), " ")
	if extraArgs != "" {
		if args != "" {
			args += " "
		}
		args += extraArgs
	}

	invocation := fmt.Sprintf("stty intr ^] && sudo ./%s %s && stty intr ^c", node.DriverBinary(), args)
	return fmt.Sprintf("#!/usr/bin/env bash\nscreen -S %s -d -m bash -c \"script -f -c '%s' uartlog\"; sleep 1\n",
		topology.ScreenName(slotno), invocation)
}

// switchRunScript builds the switchrun.sh staged into a switch slot.
func switchRunScript(sw *topology.SwitchNode) string {
	return fmt.Sprintf("#!/usr/bin/env bash\nsudo ./%s %d %d %d\n",
		sw.BinaryName(), sw.LinkLatency, sw.SwitchingLatency, sw.Bandwidth)
}

// pipeRunScript builds the piperun.sh staged into a pipe slot.
func pipeRunScript(pipe *topology.PipeNode) string {
	return fmt.Sprintf("#!/usr/bin/env bash\n./%s\n", pipe.BinaryName())
}
