package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters covering the manager's interactions with remote hosts and the
// cloud provider. They are registered on the default registry so that the
// optional debug HTTP server can expose them via promhttp.
var (
	RemoteCommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firesim",
		Name:      "remote_commands_executed_total",
		Help:      "Total number of commands dispatched to run farm hosts over SSH.",
	}, []string{"host"})

	RemoteCommandFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firesim",
		Name:      "remote_command_failures_total",
		Help:      "Total number of remote commands that returned a non-zero exit code.",
	}, []string{"host"})

	FilesCopied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "firesim",
		Name:      "files_copied_total",
		Help:      "Total number of files transferred to or from run farm hosts.",
	}, []string{"host", "direction"})

	HostsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "firesim",
		Name:      "run_farm_hosts_launched_total",
		Help:      "Total number of run farm hosts launched by the manager.",
	})

	HostsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "firesim",
		Name:      "run_farm_hosts_terminated_total",
		Help:      "Total number of run farm hosts terminated by the manager.",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "firesim",
		Name:      "simulation_jobs_completed_total",
		Help:      "Total number of simulation jobs observed to complete during monitoring.",
	})
)
