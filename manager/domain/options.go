package domain

import (
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
)

// Manager task names. Each one maps to a single high-level operation over
// the run farm described by config_runtime.yaml.
const (
	TaskLaunchRunFarm    = "launchrunfarm"
	TaskTerminateRunFarm = "terminaterunfarm"
	TaskInfraSetup       = "infrasetup"
	TaskEnumerateFPGAs   = "enumeratefpgas"
	TaskBoot             = "boot"
	TaskKill             = "kill"
	TaskRunWorkload      = "runworkload"
	TaskBuildBitstream   = "buildbitstream"
)

// Tasks lists every task the manager can run, in documentation order.
var Tasks = []string{
	TaskLaunchRunFarm,
	TaskInfraSetup,
	TaskEnumerateFPGAs,
	TaskBoot,
	TaskKill,
	TaskRunWorkload,
	TaskTerminateRunFarm,
	TaskBuildBitstream,
}

// ManagerOptions is the manager's command line surface. Everything else
// comes from the yaml configuration files these options point at.
type ManagerOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	Task              string `name:"task"              json:"task"              yaml:"task"              description:"Manager task to run. One of: launchrunfarm, infrasetup, enumeratefpgas, boot, kill, runworkload, terminaterunfarm, buildbitstream."`
	RuntimeConfigFile string `name:"runtimeconfigfile" json:"runtimeconfigfile" yaml:"runtimeconfigfile" description:"Path to the runtime configuration (run farm, target topology, workload)."`
	HWDBConfigFile    string `name:"hwdbconfigfile"    json:"hwdbconfigfile"    yaml:"hwdbconfigfile"    description:"Path to the hardware database of deployable designs."`
	ResultsDir        string `name:"resultsdir"        json:"resultsdir"        yaml:"resultsdir"        description:"Directory that per-run workload results directories are created under."`

	BuildConfigFile  string `name:"buildconfigfile"  json:"buildconfigfile"  yaml:"buildconfigfile"  description:"Path to the build configuration (build farm, builds to run)."`
	BuildRecipesFile string `name:"buildrecipesfile" json:"buildrecipesfile" yaml:"buildrecipesfile" description:"Path to the build recipes (design/config quintuplet pieces, bit builder args)."`
	BuildResultsDir  string `name:"buildresultsdir"  json:"buildresultsdir"  yaml:"buildresultsdir"  description:"Directory that bitstream build artifacts are collected under."`

	TerminateSome  string `name:"terminatesome"  json:"terminatesome"  yaml:"terminatesome"  description:"Restrict terminaterunfarm to counts per host handle, e.g. 'f1.16xlarge:2,f1.2xlarge:1'. Empty terminates everything."`
	ForceTerminate bool   `name:"forceterminate" json:"forceterminate" yaml:"forceterminate" description:"Skip the confirmation prompt when terminating the run farm."`

	SSHUser       string `name:"sshuser"       json:"sshuser"       yaml:"sshuser"       description:"User to SSH into run farm hosts as. Defaults to the local user."`
	SSHPrivateKey string `name:"sshprivatekey" json:"sshprivatekey" yaml:"sshprivatekey" description:"Private key used for SSH to run farm hosts. Empty uses the SSH agent."`

	Mock bool `name:"mock" json:"mock" yaml:"mock" description:"Bind synthetic addresses instead of querying the cloud provider. For offline testing only."`
}

// TaskKnown reports whether Task names one of the supported manager tasks.
func (o *ManagerOptions) TaskKnown() bool {
	for _, task := range Tasks {
		if o.Task == task {
			return true
		}
	}
	return false
}

func (o *ManagerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls
// json.MarshalIndent instead of json.Marshal.
func (o *ManagerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(o, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}
	return string(m)
}
