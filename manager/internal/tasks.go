package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/abejgonzalez/firesim/manager/domain"
)

// monitorPollInterval is how often runworkload re-polls each host for job
// completion.
const monitorPollInterval = 10 * time.Second

// RunTask dispatches one manager task against the loaded runtime config.
func RunTask(ctx context.Context, opts *domain.ManagerOptions, cfg *RuntimeConfig) error {
	switch opts.Task {
	case domain.TaskLaunchRunFarm:
		return cfg.LaunchRunFarm(ctx)
	case domain.TaskTerminateRunFarm:
		return cfg.TerminateRunFarm(ctx)
	case domain.TaskInfraSetup:
		return cfg.InfraSetup(ctx)
	case domain.TaskEnumerateFPGAs:
		return cfg.EnumerateFPGAs(ctx)
	case domain.TaskBoot:
		return cfg.Boot(ctx)
	case domain.TaskKill:
		return cfg.Kill(ctx)
	case domain.TaskRunWorkload:
		return cfg.RunWorkload(ctx, monitorPollInterval)
	default:
		return fmt.Errorf("unknown task %q", opts.Task)
	}
}
