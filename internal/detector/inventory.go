package detector

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// PortsDetector reports listening sockets not seen in the previous cycle.
// The first evaluation only records the current set.
type PortsDetector struct{}

func (d *PortsDetector) Name() string { return "ports" }

func (d *PortsDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	if in.Host == nil {
		return unchanged(prior)
	}
	known, seeded, err := decodeSet(prior)
	if err != nil {
		return Result{}, fmt.Errorf("decode ports state: %w", err)
	}

	current := make(map[string]bool, len(in.Host.Ports))
	var res Result
	for _, p := range in.Host.Ports {
		key := fmt.Sprintf("%s/%s:%d", p.Proto, p.Address, p.Port)
		if current[key] {
			continue
		}
		current[key] = true
		if !seeded || known[key] {
			continue
		}
		targets := model.Targets{Ports: []int{p.Port}}
		if p.PID > 0 {
			targets.PIDs = []int{p.PID}
		}
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindNewListeningPort, model.SeverityP2,
			fmt.Sprintf("New listening port %s", key), "new_listening_port:"+key, in.Now, p, targets))
	}
	sortIncidents(res.Incidents)
	res.State = encodeSet(current)
	return res, nil
}

// UsersDetector reports accounts newly granted administrative rights
type UsersDetector struct{}

func (d *UsersDetector) Name() string { return "users" }

func (d *UsersDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	if in.Host == nil {
		return unchanged(prior)
	}
	known, seeded, err := decodeSet(prior)
	if err != nil {
		return Result{}, fmt.Errorf("decode users state: %w", err)
	}

	current := make(map[string]bool, len(in.Host.AdminUsers))
	var res Result
	for _, user := range in.Host.AdminUsers {
		if current[user] {
			continue
		}
		current[user] = true
		if !seeded || known[user] {
			continue
		}
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindNewAdminUser, model.SeverityP1,
			fmt.Sprintf("New administrative user %q", user), "new_admin_user:"+user, in.Now,
			map[string]string{"user": user}, model.Targets{Users: []string{user}}))
	}
	sortIncidents(res.Incidents)
	res.State = encodeSet(current)
	return res, nil
}

// ContainersDetector reports containers that were not running in the previous cycle
type ContainersDetector struct{}

func (d *ContainersDetector) Name() string { return "containers" }

func (d *ContainersDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	if in.Containers == nil {
		return unchanged(prior)
	}
	known, seeded, err := decodeSet(prior)
	if err != nil {
		return Result{}, fmt.Errorf("decode containers state: %w", err)
	}

	current := make(map[string]bool, len(in.Containers.Containers))
	var res Result
	for _, c := range in.Containers.Containers {
		if c.ID == "" || current[c.ID] {
			continue
		}
		current[c.ID] = true
		if !seeded || known[c.ID] {
			continue
		}
		targets := model.Targets{Containers: []string{c.ID}}
		if c.Name != "" {
			targets.Containers = append(targets.Containers, c.Name)
		}
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindNewContainer, model.SeverityP2,
			fmt.Sprintf("New container %s (%s)", c.Name, c.Image), "new_container:"+c.ID, in.Now, c, targets))
	}
	sortIncidents(res.Incidents)
	res.State = encodeSet(current)
	return res, nil
}

func sortIncidents(incidents []model.Incident) {
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].Fingerprint < incidents[j].Fingerprint })
}
