package agentloop

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Observer re-checks whether an incident's defining condition still holds
type Observer interface {
	Cleared(ctx context.Context, inc model.Incident) (bool, error)
}

// HostObserver answers Cleared from fresh collector output and the
// process table. Either collector may be nil.
type HostObserver struct {
	Host            collector.HostCollector
	Containers      collector.ContainerCollector
	CPUThreshold    float64
	MemoryThreshold float64

	alive func(pid int) bool
}

// NewHostObserver creates an observer over the given collectors
func NewHostObserver(host collector.HostCollector, containers collector.ContainerCollector, cpu, mem float64) *HostObserver {
	return &HostObserver{Host: host, Containers: containers, CPUThreshold: cpu, MemoryThreshold: mem, alive: processAlive}
}

// processAlive probes pid with signal 0; EPERM still means it exists
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}

// Cleared implements Observer. Kinds without an observable condition
// (auth bursts, drift) never clear automatically.
func (o *HostObserver) Cleared(ctx context.Context, inc model.Incident) (bool, error) {
	switch inc.Kind {
	case model.KindHighCPU, model.KindHighMemory:
		if len(inc.Targets.PIDs) > 0 && !o.alive(inc.Targets.PIDs[0]) {
			return true, nil
		}
		if o.Host == nil {
			return false, nil
		}
		host, err := o.Host.CollectHost(ctx)
		if err != nil {
			return false, err
		}
		if inc.Kind == model.KindHighCPU {
			return host.CPUPercent < o.CPUThreshold, nil
		}
		return host.MemoryPercent < o.MemoryThreshold, nil

	case model.KindNewListeningPort:
		for _, pid := range inc.Targets.PIDs {
			if !o.alive(pid) {
				return true, nil
			}
		}
		if o.Host == nil || len(inc.Targets.Ports) == 0 {
			return false, nil
		}
		host, err := o.Host.CollectHost(ctx)
		if err != nil {
			return false, err
		}
		for _, p := range host.Ports {
			if p.Port == inc.Targets.Ports[0] {
				return false, nil
			}
		}
		return true, nil

	case model.KindNewContainer:
		if o.Containers == nil || len(inc.Targets.Containers) == 0 {
			return false, nil
		}
		inv, err := o.Containers.CollectContainers(ctx)
		if err != nil {
			return false, err
		}
		for _, c := range inv.Containers {
			if inc.Targets.HasContainer(c.ID) || inc.Targets.HasContainer(c.Name) {
				return false, nil
			}
		}
		return true, nil

	case model.KindNewAdminUser:
		if o.Host == nil || len(inc.Targets.Users) == 0 {
			return false, nil
		}
		host, err := o.Host.CollectHost(ctx)
		if err != nil {
			return false, err
		}
		for _, u := range host.AdminUsers {
			if inc.Targets.HasUser(u) {
				return false, nil
			}
		}
		return true, nil

	case model.KindPHPMalwareSuspected:
		if len(inc.Targets.Paths) == 0 {
			return false, nil
		}
		info, err := os.Stat(inc.Targets.Paths[0])
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		// quarantined with chmod 000
		return info.Mode().Perm() == 0, nil
	}
	return false, nil
}
