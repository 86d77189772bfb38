// Package runfarm manages the pool of machines that simulations, switches
// and pipes are deployed onto: tracking per-host-type capacity, mapping
// topology nodes onto hosts, and launching/terminating cloud instances.
package runfarm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/utils/hashmap"
)

// RunFarm is the interface every run farm backend implements.
type RunFarm interface {
	// PostLaunchBinding binds launched machines (addresses, instance IDs)
	// to host objects. mock substitutes fake addresses for testing.
	PostLaunchBinding(ctx context.Context, mock bool) error
	// LaunchRunFarm brings up the machines backing the farm.
	LaunchRunFarm(ctx context.Context) error
	// TerminateRunFarm tears machines down. terminateSome restricts
	// teardown to a count per host handle; empty means everything.
	TerminateRunFarm(ctx context.Context, terminateSome map[string]int, force bool) error

	AllHosts() []*Host
	AllBoundHosts() []*Host
	LookupByAddress(addr string) (*Host, error)
	TerminateHost(ctx context.Context, h *Host) error

	SmallestSimHostHandle(numSims int) (string, error)
	SwitchOnlyHostHandle() (string, error)
	AllocateSimHost(handle string) (*Host, error)
}

// capacityEntry pairs a host handle with its simulation capacity. Sorted
// slices of these drive smallest-fit host selection.
type capacityEntry struct {
	slots  int
	handle string
}

// baseFarm carries the capacity bookkeeping shared by every farm backend.
type baseFarm struct {
	log logger.Logger

	metasimEnabled bool
	defaultSimDir  string

	fpgaSlots    map[string]int
	metasimSlots map[string]int
	switchOnlyOK map[string]bool

	sortedFPGA    []capacityEntry
	sortedMetasim []capacityEntry

	hosts *hashmap.ConcurrentMap[string, []*Host]

	mu       sync.Mutex
	consumed map[string]int
}

func newBaseFarm(log logger.Logger, metasimEnabled bool, defaultSimDir string) *baseFarm {
	return &baseFarm{
		log:            log,
		metasimEnabled: metasimEnabled,
		defaultSimDir:  defaultSimDir,
		fpgaSlots:      make(map[string]int),
		metasimSlots:   make(map[string]int),
		switchOnlyOK:   make(map[string]bool),
		hosts:          hashmap.NewConcurrentMap[[]*Host](32),
		consumed:       make(map[string]int),
	}
}

// invertFilterSort flips a handle->capacity map into (capacity, handle)
// pairs, drops zero-capacity entries, and sorts ascending by capacity.
func invertFilterSort(input map[string]int) []capacityEntry {
	out := make([]capacityEntry, 0, len(input))
	for handle, slots := range input {
		if slots == 0 {
			continue
		}
		out = append(out, capacityEntry{slots: slots, handle: handle})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].slots != out[j].slots {
			return out[i].slots < out[j].slots
		}
		return out[i].handle < out[j].handle
	})
	return out
}

// initPostprocess builds the sorted capacity tables. Called once after a
// backend has populated its slot maps.
func (f *baseFarm) initPostprocess() {
	f.sortedFPGA = invertFilterSort(f.fpgaSlots)
	f.sortedMetasim = invertFilterSort(f.metasimSlots)
}

// SmallestSimHostHandle returns the smallest host handle that supports at
// least numSims simulations and still has unallocated hosts.
func (f *baseFarm) SmallestSimHostHandle(numSims int) (string, error) {
	sorted := f.sortedFPGA
	if f.metasimEnabled {
		sorted = f.sortedMetasim
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, entry := range sorted {
		if entry.slots < numSims {
			// host type doesn't support enough sims
			continue
		}
		allocated, _ := f.hosts.Load(entry.handle)
		if f.consumed[entry.handle] >= len(allocated) {
			// host type supports enough sims but none are available
			continue
		}
		return entry.handle, nil
	}

	return "", fmt.Errorf("no hosts available with support for %d simulation slots; add more hosts to your run farm configuration (e.g., config_runtime.yaml)", numSims)
}

// SwitchOnlyHostHandle returns the first available handle allowed to host
// only switches, scanning handles in sorted order.
func (f *baseFarm) SwitchOnlyHostHandle() (string, error) {
	handles := make([]string, 0, len(f.switchOnlyOK))
	for handle := range f.switchOnlyOK {
		handles = append(handles, handle)
	}
	sort.Strings(handles)

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, handle := range handles {
		if !f.switchOnlyOK[handle] {
			continue
		}
		allocated, _ := f.hosts.Load(handle)
		if f.consumed[handle] >= len(allocated) {
			continue
		}
		return handle, nil
	}

	return "", fmt.Errorf("no hosts available with support for running only switches; add more hosts to your run farm configuration (e.g., config_runtime.yaml)")
}

// AllocateSimHost consumes and returns the next unallocated host of the
// given handle. Sim slots are assigned by the caller afterwards.
func (f *baseFarm) AllocateSimHost(handle string) (*Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	allocated, ok := f.hosts.Load(handle)
	if !ok {
		return nil, fmt.Errorf("unknown run host handle %q", handle)
	}
	if f.consumed[handle] >= len(allocated) {
		return nil, fmt.Errorf("all %d hosts of handle %q are already allocated", len(allocated), handle)
	}

	host := allocated[f.consumed[handle]]
	f.consumed[handle]++
	return host, nil
}

// allHostsSorted returns every host, grouped by handle in sorted order.
func (f *baseFarm) allHostsSorted() []*Host {
	handles := make([]string, 0, f.hosts.Len())
	f.hosts.Range(func(handle string, _ []*Host) bool {
		handles = append(handles, handle)
		return true
	})
	sort.Strings(handles)

	var all []*Host
	for _, handle := range handles {
		hosts, _ := f.hosts.Load(handle)
		all = append(all, hosts...)
	}
	return all
}

func (f *baseFarm) boundHosts() []*Host {
	var bound []*Host
	for _, h := range f.allHostsSorted() {
		if h.Bound() {
			bound = append(bound, h)
		}
	}
	return bound
}

func (f *baseFarm) lookupByAddress(addr string) (*Host, error) {
	for _, h := range f.boundHosts() {
		if h.Addr() == addr {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no run farm host bound to address %q", addr)
}
