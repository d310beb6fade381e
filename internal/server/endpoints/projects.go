package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/internal/store"
	"github.com/buildtrace/buildtrace/internal/svcctx"
)

// ProjectResponse is the wire representation of a project.
type ProjectResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func projectResponse(p *store.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		OwnerID:   p.OwnerID,
		CreatedAt: p.CreatedAt,
	}
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// CreateProjectEndpoint handles POST /api/projects.
type CreateProjectEndpoint struct{}

func (e *CreateProjectEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/projects", e.handler
}

func (e *CreateProjectEndpoint) RequiresInit() bool { return true }

func (e *CreateProjectEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	p, err := st.CreateProject(r.Context(), req.Name, req.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, projectResponse(p))
}

func (e *CreateProjectEndpoint) Command(getServerURL func() string) *cobra.Command {
	var name, owner string
	cmd := &cobra.Command{
		Use:   "projects-create",
		Short: "Create a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			client := api.NewClient(getServerURL())
			var resp ProjectResponse
			if err := client.Post(cmd.Context(), "/api/projects", CreateProjectRequest{Name: name, OwnerID: owner}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner identifier")
	return cmd
}

// GetProjectEndpoint handles GET /api/projects/{id}.
type GetProjectEndpoint struct{}

func (e *GetProjectEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/projects/{id}", e.handler
}

func (e *GetProjectEndpoint) RequiresInit() bool { return true }

func (e *GetProjectEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	p, err := st.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projectResponse(p))
}

func (e *GetProjectEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "projects-get <id>",
		Short: "Get a project by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ProjectResponse
			if err := client.Get(cmd.Context(), "/api/projects/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ListProjectsEndpoint handles GET /api/projects.
type ListProjectsEndpoint struct{}

func (e *ListProjectsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/projects", e.handler
}

func (e *ListProjectsEndpoint) RequiresInit() bool { return true }

func (e *ListProjectsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	projects, err := st.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *ListProjectsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "projects-list",
		Short: "List all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []ProjectResponse
			if err := client.Get(cmd.Context(), "/api/projects", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
