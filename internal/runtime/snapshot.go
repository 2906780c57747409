package runtime

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
)

// Compose labels Docker attaches to every compose-managed container.
const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
	labelComposeWorkdir = "com.docker.compose.project.working_dir"
)

// Container is one observed container within a compose service.
type Container struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Status string   `json:"status"`
	Ports  []string `json:"ports,omitempty"`
}

// Service groups the containers observed for one compose service.
type Service struct {
	Containers []Container `json:"containers"`
}

// Project is one observed compose project.
type Project struct {
	ComposeProjectName string             `json:"composeProjectName"`
	WorkingDir         string             `json:"workingDir,omitempty"`
	IsGlobal           bool               `json:"isGlobal"`
	Services           map[string]Service `json:"services"`
}

// Snapshot is an immutable view of everything compose is running.
// Refreshes replace the whole value; readers never see partial state.
type Snapshot struct {
	UpdatedAt time.Time `json:"updatedAtMs"`
	Projects  []Project `json:"projects"`
}

// buildSnapshot groups a container listing by compose project and
// service. Containers without compose labels are not compose-managed
// and are skipped.
func buildSnapshot(now time.Time, containers []container.Summary, stateRoot string) *Snapshot {
	byProject := map[string]*Project{}

	for _, ctr := range containers {
		composeName := ctr.Labels[labelComposeProject]
		if composeName == "" {
			continue
		}
		proj, ok := byProject[composeName]
		if !ok {
			workdir := ctr.Labels[labelComposeWorkdir]
			proj = &Project{
				ComposeProjectName: composeName,
				WorkingDir:         workdir,
				IsGlobal:           isGlobalWorkdir(workdir, stateRoot),
				Services:           map[string]Service{},
			}
			byProject[composeName] = proj
		}

		serviceName := ctr.Labels[labelComposeService]
		svc := proj.Services[serviceName]
		svc.Containers = append(svc.Containers, Container{
			ID:     ctr.ID,
			Name:   containerName(ctr),
			State:  ctr.State,
			Status: ctr.Status,
			Ports:  formatPorts(ctr.Ports),
		})
		proj.Services[serviceName] = svc
	}

	snap := &Snapshot{UpdatedAt: now}
	for _, proj := range byProject {
		for name, svc := range proj.Services {
			sort.Slice(svc.Containers, func(i, j int) bool {
				return svc.Containers[i].Name < svc.Containers[j].Name
			})
			proj.Services[name] = svc
		}
		snap.Projects = append(snap.Projects, *proj)
	}
	sort.Slice(snap.Projects, func(i, j int) bool {
		return snap.Projects[i].ComposeProjectName < snap.Projects[j].ComposeProjectName
	})
	return snap
}

// isGlobalWorkdir marks compose projects that live under the hack state
// root as global infrastructure rather than developer workspaces.
func isGlobalWorkdir(workdir, stateRoot string) bool {
	if workdir == "" || stateRoot == "" {
		return false
	}
	return workdir == stateRoot || strings.HasPrefix(workdir, stateRoot+"/")
}

func containerName(ctr container.Summary) string {
	if len(ctr.Names) == 0 {
		return ctr.ID
	}
	return strings.TrimPrefix(ctr.Names[0], "/")
}

// formatPorts renders port bindings docker-ps style, deduplicated and
// sorted.
func formatPorts(ports []container.Port) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range ports {
		var s string
		if p.PublicPort != 0 {
			ip := p.IP
			if ip == "" {
				ip = "0.0.0.0"
			}
			s = fmt.Sprintf("%s:%d->%d/%s", ip, p.PublicPort, p.PrivatePort, p.Type)
		} else {
			s = fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
