package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/internal/store"
	"github.com/buildtrace/buildtrace/internal/svcctx"
)

// StageResponse is the wire representation of one job stage.
type StageResponse struct {
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Expected  int    `json:"expected"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// JobResponse is the wire representation of a comparison job.
type JobResponse struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	OldVersionID string          `json:"old_version_id"`
	NewVersionID string          `json:"new_version_id"`
	CreatedBy    string          `json:"created_by,omitempty"`
	Status       string          `json:"status"`
	Meta         store.JobMeta   `json:"meta"`
	Stages       []StageResponse `json:"stages,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func jobResponse(j *store.Job, stages map[store.StageKind]*store.JobStage) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		ProjectID:    j.ProjectID,
		OldVersionID: j.OldVersionID,
		NewVersionID: j.NewVersionID,
		CreatedBy:    j.CreatedBy,
		Status:       string(j.Status),
		Meta:         j.Meta,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
	for _, kind := range store.StageKinds {
		st, ok := stages[kind]
		if !ok {
			continue
		}
		resp.Stages = append(resp.Stages, StageResponse{
			Kind:      string(st.Kind),
			Status:    string(st.Status),
			Expected:  st.ExpectedCount,
			Completed: st.CompletedCount,
			Failed:    st.FailedCount,
			Skipped:   st.SkippedCount,
		})
	}
	return resp
}

// CreateJobRequest is the request body for creating a comparison job.
type CreateJobRequest struct {
	ProjectID    string `json:"project_id"`
	OldVersionID string `json:"old_version_id"`
	NewVersionID string `json:"new_version_id"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// CreateJobEndpoint handles POST /api/jobs.
type CreateJobEndpoint struct{}

func (e *CreateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs", e.handler
}

func (e *CreateJobEndpoint) RequiresInit() bool { return true }

func (e *CreateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.OldVersionID == "" || req.NewVersionID == "" {
		writeError(w, http.StatusBadRequest, "project_id, old_version_id, and new_version_id are required")
		return
	}
	if req.OldVersionID == req.NewVersionID {
		writeError(w, http.StatusBadRequest, "old and new versions must differ")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	job, err := st.CreateJob(r.Context(), req.ProjectID, req.OldVersionID, req.NewVersionID, req.CreatedBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, jobResponse(job, nil))
}

func (e *CreateJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var project, oldV, newV string
	cmd := &cobra.Command{
		Use:   "jobs-create",
		Short: "Create a comparison job between two drawing versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" || oldV == "" || newV == "" {
				return fmt.Errorf("--project, --old, and --new are required")
			}
			client := api.NewClient(getServerURL())
			var resp JobResponse
			err := client.Post(cmd.Context(), "/api/jobs", CreateJobRequest{
				ProjectID:    project,
				OldVersionID: oldV,
				NewVersionID: newV,
			}, &resp)
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project ID (required)")
	cmd.Flags().StringVar(&oldV, "old", "", "Old drawing version ID (required)")
	cmd.Flags().StringVar(&newV, "new", "", "New drawing version ID (required)")
	return cmd
}

// StartJobEndpoint handles POST /api/jobs/{id}/start.
type StartJobEndpoint struct{}

func (e *StartJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/start", e.handler
}

func (e *StartJobEndpoint) RequiresInit() bool { return true }

func (e *StartJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orc := svcctx.OrchestratorFrom(r.Context())
	jobID := r.PathValue("id")

	if err := orc.StartJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	st := svcctx.StoreFrom(r.Context())
	job, err := st.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stages, _ := st.StagesForJob(r.Context(), jobID)
	writeJSON(w, http.StatusAccepted, jobResponse(job, stages))
}

func (e *StartJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs-start <id>",
		Short: "Start a queued comparison job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp JobResponse
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/start", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetJobEndpoint handles GET /api/jobs/{id}.
type GetJobEndpoint struct{}

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	job, err := st.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stages, err := st.StagesForJob(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job, stages))
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs-get <id>",
		Short: "Get a job with its stage counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp JobResponse
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ListJobsEndpoint handles GET /api/jobs with optional project and status filters.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	projectID := r.URL.Query().Get("project_id")
	status := store.JobStatus(r.URL.Query().Get("status"))

	jobs, err := st.ListJobs(r.Context(), projectID, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var project, status string
	cmd := &cobra.Command{
		Use:   "jobs-list",
		Short: "List comparison jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if project != "" {
				q.Set("project_id", project)
			}
			if status != "" {
				q.Set("status", status)
			}
			path := "/api/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			client := api.NewClient(getServerURL())
			var resp []JobResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Filter by project ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by job status")
	return cmd
}

// CancelJobEndpoint handles POST /api/jobs/{id}/cancel.
type CancelJobEndpoint struct{}

func (e *CancelJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/cancel", e.handler
}

func (e *CancelJobEndpoint) RequiresInit() bool { return true }

func (e *CancelJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orc := svcctx.OrchestratorFrom(r.Context())
	jobID := r.PathValue("id")

	if err := orc.CancelJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	st := svcctx.StoreFrom(r.Context())
	job, err := st.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job, nil))
}

func (e *CancelJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs-cancel <id>",
		Short: "Cancel a running or queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp JobResponse
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// JobProgressEndpoint handles GET /api/jobs/{id}/progress.
type JobProgressEndpoint struct{}

func (e *JobProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/progress", e.handler
}

func (e *JobProgressEndpoint) RequiresInit() bool { return true }

func (e *JobProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	progress, err := st.GetJobProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (e *JobProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs-progress <id>",
		Short: "Get per-stage and per-pair progress for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp store.JobProgress
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/progress", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
