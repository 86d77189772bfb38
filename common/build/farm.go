// Package build implements bitstream build orchestration: build farms that
// hand out build hosts and per-platform bitstream builders that drive the
// FPGA toolchains on them.
package build

import (
	"context"
	"fmt"
	"sync"
)

// BuildHost is a single build machine holding at most one build at a time.
type BuildHost struct {
	mu sync.Mutex

	// BuildName is the config_build.yaml recipe this host was requested
	// for; empty until the host is assigned.
	BuildName string

	// DestBuildDir is the directory on the host where builds run.
	DestBuildDir string

	addr       string
	instanceID string
}

// Bind records the address (and, for cloud farms, instance ID) of the
// machine backing this build host.
func (h *BuildHost) Bind(addr string, instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addr = addr
	h.instanceID = instanceID
}

// Addr returns the hostname or IP of the machine backing this build host.
func (h *BuildHost) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// InstanceID returns the cloud instance ID backing this build host, if any.
func (h *BuildHost) InstanceID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instanceID
}

func (h *BuildHost) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("BuildHost(build=%s addr=%s dir=%s)", h.BuildName, h.addr, h.DestBuildDir)
}

// BuildFarm manages the machines bitstream builds run on.
type BuildFarm interface {
	// RequestBuildHost reserves a host for the named build.
	RequestBuildHost(ctx context.Context, buildName string) (*BuildHost, error)

	// WaitOnBuildHostInitialization blocks until the host is reachable.
	// On cloud farms this is where the address gets bound.
	WaitOnBuildHostInitialization(ctx context.Context, h *BuildHost) error

	// ReleaseBuildHost gives the host back once its build finishes.
	ReleaseBuildHost(ctx context.Context, h *BuildHost) error
}
