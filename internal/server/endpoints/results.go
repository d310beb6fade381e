package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/internal/store"
	"github.com/buildtrace/buildtrace/internal/svcctx"
)

// DiffResultResponse is the wire representation of a per-pair diff.
type DiffResultResponse struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	DrawingName    string    `json:"drawing_name"`
	OverlayRef     string    `json:"overlay_ref"`
	AlignmentScore float64   `json:"alignment_score"`
	ChangeDetected bool      `json:"change_detected"`
	ChangeCount    *int      `json:"change_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func diffResultResponse(d *store.DiffResult) DiffResultResponse {
	return DiffResultResponse{
		ID:             d.ID,
		JobID:          d.JobID,
		DrawingName:    d.DrawingName,
		OverlayRef:     d.OverlayRef,
		AlignmentScore: d.AlignmentScore,
		ChangeDetected: d.ChangeDetected,
		ChangeCount:    d.ChangeCount,
		CreatedAt:      d.CreatedAt,
	}
}

// ListDiffsEndpoint handles GET /api/jobs/{id}/diffs.
type ListDiffsEndpoint struct{}

func (e *ListDiffsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/diffs", e.handler
}

func (e *ListDiffsEndpoint) RequiresInit() bool { return true }

func (e *ListDiffsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	diffs, err := st.DiffResultsForJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]DiffResultResponse, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, diffResultResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *ListDiffsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "diffs-list <job-id>",
		Short: "List diff results for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []DiffResultResponse
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/diffs", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// OverlayImageEndpoint handles GET /api/diffs/{id}/overlay, serving the
// rendered overlay PNG for a diff result.
type OverlayImageEndpoint struct{}

func (e *OverlayImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/diffs/{id}/overlay", e.handler
}

func (e *OverlayImageEndpoint) RequiresInit() bool { return true }

func (e *OverlayImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	d, err := st.GetDiffResult(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hd := svcctx.HomeFrom(r.Context())
	data, err := hd.ReadBlob(d.OverlayRef)
	if err != nil {
		writeError(w, http.StatusNotFound, "overlay image not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (e *OverlayImageEndpoint) Command(_ func() string) *cobra.Command {
	// Binary endpoint; fetch overlays with curl or the web UI.
	return nil
}

// ChangeSummaryResponse is the wire representation of a change summary.
type ChangeSummaryResponse struct {
	ID           string          `json:"id"`
	DiffResultID string          `json:"diff_result_id"`
	JobID        string          `json:"job_id"`
	Document     json.RawMessage `json:"document"`
	FreeText     string          `json:"free_text"`
	Model        string          `json:"model,omitempty"`
	Source       string          `json:"source"`
	CreatedAt    time.Time       `json:"created_at"`
}

func changeSummaryResponse(c *store.ChangeSummary) ChangeSummaryResponse {
	return ChangeSummaryResponse{
		ID:           c.ID,
		DiffResultID: c.DiffResultID,
		JobID:        c.JobID,
		Document:     c.Document,
		FreeText:     c.FreeText,
		Model:        c.Model,
		Source:       string(c.Source),
		CreatedAt:    c.CreatedAt,
	}
}

// ListSummariesEndpoint handles GET /api/jobs/{id}/summaries.
type ListSummariesEndpoint struct{}

func (e *ListSummariesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/summaries", e.handler
}

func (e *ListSummariesEndpoint) RequiresInit() bool { return true }

func (e *ListSummariesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	summaries, err := st.SummariesForJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ChangeSummaryResponse, 0, len(summaries))
	for _, c := range summaries {
		out = append(out, changeSummaryResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *ListSummariesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "summaries-list <job-id>",
		Short: "List change summaries for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []ChangeSummaryResponse
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/summaries", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
