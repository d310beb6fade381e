package endpoints

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/store"
	"github.com/buildtrace/buildtrace/internal/svcctx"
)

// UploadOverlayResponse reports the stored overlay and the summary task
// scheduled to re-describe the pair.
type UploadOverlayResponse struct {
	OverlayID     string    `json:"overlay_id"`
	DiffResultID  string    `json:"diff_result_id"`
	OverlayRef    string    `json:"overlay_ref"`
	SummaryTaskID string    `json:"summary_task_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// UploadOverlayEndpoint handles POST /api/diffs/{id}/overlay with a multipart
// PNG upload. The overlay is recorded against the diff result and a summary
// regeneration task is scheduled so the pair's description reflects the
// corrected image.
type UploadOverlayEndpoint struct{}

var _ api.Endpoint = (*UploadOverlayEndpoint)(nil)

func (e *UploadOverlayEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/diffs/{id}/overlay", e.handler
}

func (e *UploadOverlayEndpoint) RequiresInit() bool { return true }

func (e *UploadOverlayEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	const maxMemory = 50 << 20 // 50MB
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".png") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file %s is not a PNG", header.Filename))
		return
	}

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

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	hd := svcctx.HomeFrom(r.Context())
	ref := home.ManualOverlayRef(d.JobID, d.DrawingName)
	if err := hd.WriteBlob(ref, data); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store overlay: %v", err))
		return
	}

	overlay, err := st.CreateManualOverlay(r.Context(), d.ID, ref, r.FormValue("uploaded_by"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	orc := svcctx.OrchestratorFrom(r.Context())
	task, err := orc.RegenerateSummary(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, UploadOverlayResponse{
		OverlayID:     overlay.ID,
		DiffResultID:  d.ID,
		OverlayRef:    ref,
		SummaryTaskID: task.ID,
		CreatedAt:     overlay.CreatedAt,
	})
}

func (e *UploadOverlayEndpoint) Command(getServerURL func() string) *cobra.Command {
	var uploadedBy string
	cmd := &cobra.Command{
		Use:   "overlays-upload <diff-result-id> <png-path>",
		Short: "Upload a corrected overlay and regenerate the pair's summary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			fields := map[string]string{}
			if uploadedBy != "" {
				fields["uploaded_by"] = uploadedBy
			}
			client := api.NewClient(getServerURL())
			var resp UploadOverlayResponse
			if err := client.PostFile(cmd.Context(), "/api/diffs/"+args[0]+"/overlay",
				"file", args[1], f, fields, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&uploadedBy, "uploaded-by", "", "Uploader identifier")
	return cmd
}

// RegenerateSummaryResponse reports the summary task scheduled for a diff.
type RegenerateSummaryResponse struct {
	DiffResultID  string `json:"diff_result_id"`
	SummaryTaskID string `json:"summary_task_id"`
	Status        string `json:"status"`
}

// RegenerateSummaryEndpoint handles POST /api/diffs/{id}/regenerate. It
// schedules a fresh summary task for the pair without changing the overlay;
// if a manual overlay exists it is used.
type RegenerateSummaryEndpoint struct{}

var _ api.Endpoint = (*RegenerateSummaryEndpoint)(nil)

func (e *RegenerateSummaryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/diffs/{id}/regenerate", e.handler
}

func (e *RegenerateSummaryEndpoint) RequiresInit() bool { return true }

func (e *RegenerateSummaryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	orc := svcctx.OrchestratorFrom(r.Context())
	task, err := orc.RegenerateSummary(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, RegenerateSummaryResponse{
		DiffResultID:  d.ID,
		SummaryTaskID: task.ID,
		Status:        string(task.Status),
	})
}

func (e *RegenerateSummaryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "summaries-regenerate <diff-result-id>",
		Short: "Regenerate the change summary for a diffed pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp RegenerateSummaryResponse
			if err := client.Post(cmd.Context(), "/api/diffs/"+args[0]+"/regenerate", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
