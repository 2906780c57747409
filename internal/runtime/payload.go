package runtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hack-sh/hack/internal/registry"
)

// ErrUnknownComposeProject is returned by Ps for a compose project the
// snapshot does not contain. Surfaces as a 400.
var ErrUnknownComposeProject = errors.New("unknown compose project")

// ProjectsOptions shape the /v1/projects payload.
type ProjectsOptions struct {
	// Filter is a case-insensitive substring match on project and
	// compose names.
	Filter string

	IncludeGlobal       bool
	IncludeUnregistered bool

	// AllowedProjectIDs, when non-nil, restricts the payload to the
	// given registered projects. The gateway uses this to hide
	// everything a remote caller has no business seeing.
	AllowedProjectIDs map[string]bool
}

// ServiceView pairs a service name with its observed containers.
type ServiceView struct {
	Name       string      `json:"name"`
	Containers []Container `json:"containers"`
}

// ProjectView joins a registry entry with its observed runtime state.
type ProjectView struct {
	ProjectID      string        `json:"projectId,omitempty"`
	Name           string        `json:"name"`
	ComposeProject string        `json:"composeProject,omitempty"`
	WorkingDir     string        `json:"workingDir,omitempty"`
	Registered     bool          `json:"registered"`
	IsGlobal       bool          `json:"isGlobal,omitempty"`
	Running        bool          `json:"running"`
	Services       []ServiceView `json:"services"`
}

// ProjectsPayload is the /v1/projects response body.
type ProjectsPayload struct {
	UpdatedAt time.Time     `json:"updated_at"`
	Projects  []ProjectView `json:"projects"`
}

// Projects joins the snapshot with the project registry.
func (c *Cache) Projects(ctx context.Context, opts ProjectsOptions) (ProjectsPayload, error) {
	snap, err := c.ensure(ctx)
	if err != nil {
		return ProjectsPayload{}, err
	}

	registered, err := c.reg.List()
	if err != nil {
		return ProjectsPayload{}, err
	}
	byDir := make(map[string]registry.Project, len(registered))
	byName := make(map[string]registry.Project, len(registered))
	for _, p := range registered {
		byDir[p.ProjectDir] = p
		byName[registry.FoldName(p.Name)] = p
	}

	payload := ProjectsPayload{UpdatedAt: snap.UpdatedAt, Projects: []ProjectView{}}
	seenIDs := map[string]bool{}

	for _, proj := range snap.Projects {
		view := ProjectView{
			Name:           proj.ComposeProjectName,
			ComposeProject: proj.ComposeProjectName,
			WorkingDir:     proj.WorkingDir,
			IsGlobal:       proj.IsGlobal,
			Running:        true,
			Services:       serviceViews(proj.Services),
		}
		if entry, ok := matchRegistry(proj, byDir, byName); ok {
			view.ProjectID = entry.ID
			view.Name = entry.Name
			view.Registered = true
			seenIDs[entry.ID] = true
		}
		payload.Projects = append(payload.Projects, view)
	}

	// Registered projects with nothing running still show up.
	for _, entry := range registered {
		if seenIDs[entry.ID] {
			continue
		}
		payload.Projects = append(payload.Projects, ProjectView{
			ProjectID:  entry.ID,
			Name:       entry.Name,
			WorkingDir: entry.ProjectDir,
			Registered: true,
			Services:   []ServiceView{},
		})
	}

	payload.Projects = filterViews(payload.Projects, opts)
	sort.Slice(payload.Projects, func(i, j int) bool {
		return payload.Projects[i].Name < payload.Projects[j].Name
	})
	return payload, nil
}

func matchRegistry(proj Project, byDir, byName map[string]registry.Project) (registry.Project, bool) {
	if proj.WorkingDir != "" {
		if entry, ok := byDir[proj.WorkingDir]; ok {
			return entry, true
		}
	}
	entry, ok := byName[registry.FoldName(proj.ComposeProjectName)]
	return entry, ok
}

func filterViews(views []ProjectView, opts ProjectsOptions) []ProjectView {
	filter := strings.ToLower(opts.Filter)
	out := views[:0]
	for _, v := range views {
		if v.IsGlobal && !opts.IncludeGlobal {
			continue
		}
		if !v.Registered && !opts.IncludeUnregistered {
			continue
		}
		if opts.AllowedProjectIDs != nil && !opts.AllowedProjectIDs[v.ProjectID] {
			continue
		}
		if filter != "" &&
			!strings.Contains(strings.ToLower(v.Name), filter) &&
			!strings.Contains(strings.ToLower(v.ComposeProject), filter) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func serviceViews(services map[string]Service) []ServiceView {
	out := make([]ServiceView, 0, len(services))
	for name, svc := range services {
		out = append(out, ServiceView{Name: name, Containers: svc.Containers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PsOptions select one compose project's containers.
type PsOptions struct {
	ComposeProject string
	Project        string
	Branch         string
}

// PsItem is one container row in the /v1/ps payload.
type PsItem struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Service string   `json:"service"`
	State   string   `json:"state"`
	Status  string   `json:"status"`
	Ports   []string `json:"ports,omitempty"`
}

// PsPayload is the /v1/ps response body.
type PsPayload struct {
	ComposeProject string    `json:"compose_project"`
	UpdatedAt      time.Time `json:"updated_at"`
	Items          []PsItem  `json:"items"`
}

// Ps returns the container list for a single compose project, sorted by
// (service, name).
func (c *Cache) Ps(ctx context.Context, opts PsOptions) (PsPayload, error) {
	snap, err := c.ensure(ctx)
	if err != nil {
		return PsPayload{}, err
	}

	for _, proj := range snap.Projects {
		if proj.ComposeProjectName != opts.ComposeProject {
			continue
		}
		payload := PsPayload{
			ComposeProject: opts.ComposeProject,
			UpdatedAt:      snap.UpdatedAt,
			Items:          []PsItem{},
		}
		for name, svc := range proj.Services {
			for _, ctr := range svc.Containers {
				payload.Items = append(payload.Items, PsItem{
					ID:      ctr.ID,
					Name:    ctr.Name,
					Service: name,
					State:   ctr.State,
					Status:  ctr.Status,
					Ports:   ctr.Ports,
				})
			}
		}
		sort.Slice(payload.Items, func(i, j int) bool {
			if payload.Items[i].Service != payload.Items[j].Service {
				return payload.Items[i].Service < payload.Items[j].Service
			}
			return payload.Items[i].Name < payload.Items[j].Name
		})
		return payload, nil
	}

	return PsPayload{}, ErrUnknownComposeProject
}
