package collector

import (
	"context"
	"time"
)

// Process is one entry of the host process listing
type Process struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	User       string  `json:"user,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	Cmdline    string  `json:"cmdline,omitempty"`
}

// ListeningPort is a socket in LISTEN state
type ListeningPort struct {
	Proto   string `json:"proto"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	PID     int    `json:"pid,omitempty"`
	Process string `json:"process,omitempty"`
}

// HostInventory is what a host collector reports each cycle
type HostInventory struct {
	CollectedAt   time.Time         `json:"collected_at"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	Processes     []Process         `json:"processes"`
	Ports         []ListeningPort   `json:"ports"`
	AdminUsers    []string          `json:"admin_users"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// TopProcesses returns up to n processes ordered by CPU usage
func (h HostInventory) TopProcesses(n int) []Process {
	procs := append([]Process(nil), h.Processes...)
	sortByCPU(procs)
	if len(procs) > n {
		procs = procs[:n]
	}
	return procs
}

// Container is one running container
type Container struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status,omitempty"`
}

// ContainerInventory is what a container collector reports each cycle
type ContainerInventory struct {
	CollectedAt time.Time         `json:"collected_at"`
	Containers  []Container       `json:"containers"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// HostCollector supplies process, port, user and resource listings.
// Implementations must honor ctx and never block past its deadline.
type HostCollector interface {
	CollectHost(ctx context.Context) (HostInventory, error)
}

// ContainerCollector supplies the running container listing
type ContainerCollector interface {
	CollectContainers(ctx context.Context) (ContainerInventory, error)
}
