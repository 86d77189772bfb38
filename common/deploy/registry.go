package deploy

import (
	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/runfarm"
)

var (
	_ runfarm.DeployManager = (*EC2Manager)(nil)
	_ runfarm.DeployManager = (*VitisManager)(nil)
	_ runfarm.DeployManager = (*XilinxAlveoManager)(nil)
	_ runfarm.DeployManager = (*XilinxVCU118Manager)(nil)
)

// Registry maps platform names to deploy manager factories. Run farms use
// it to dispatch each host's platform to the right implementation.
func Registry(provider ExecutorProvider) map[string]runfarm.DeployManagerFactory {
	return map[string]runfarm.DeployManagerFactory{
		hwdb.PlatformF1: func(h *runfarm.Host) runfarm.DeployManager {
			return NewEC2Manager(h, provider)
		},
		"vitis": func(h *runfarm.Host) runfarm.DeployManager {
			return NewVitisManager(h, provider)
		},
		"xilinx_alveo_u200": func(h *runfarm.Host) runfarm.DeployManager {
			return NewXilinxAlveoU200Manager(h, provider)
		},
		"xilinx_alveo_u250": func(h *runfarm.Host) runfarm.DeployManager {
			return NewXilinxAlveoU250Manager(h, provider)
		},
		"xilinx_alveo_u280": func(h *runfarm.Host) runfarm.DeployManager {
			return NewXilinxAlveoU280Manager(h, provider)
		},
		"rhsresearch_nitefury_ii": func(h *runfarm.Host) runfarm.DeployManager {
			return NewNitefuryIIManager(h, provider)
		},
		"xilinx_vcu118": func(h *runfarm.Host) runfarm.DeployManager {
			return NewXilinxVCU118Manager(h, provider)
		},
	}
}
