package endpoints

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/store"
	"github.com/buildtrace/buildtrace/internal/svcctx"
)

// DrawingVersionResponse is the wire representation of a drawing version.
type DrawingVersionResponse struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Label     string    `json:"label"`
	PageCount int       `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
}

func drawingVersionResponse(dv *store.DrawingVersion) DrawingVersionResponse {
	return DrawingVersionResponse{
		ID:        dv.ID,
		ProjectID: dv.ProjectID,
		Label:     dv.Label,
		PageCount: dv.PageCount,
		CreatedAt: dv.CreatedAt,
	}
}

// UploadDrawingEndpoint handles POST /api/projects/{id}/drawings with a
// multipart PDF upload. The PDF lands in blob storage and an immutable
// DrawingVersion row records its page count.
type UploadDrawingEndpoint struct{}

var _ api.Endpoint = (*UploadDrawingEndpoint)(nil)

func (e *UploadDrawingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/projects/{id}/drawings", e.handler
}

func (e *UploadDrawingEndpoint) RequiresInit() bool { return true }

func (e *UploadDrawingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	const maxMemory = 500 << 20 // 500MB
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

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file %s is not a PDF", header.Filename))
		return
	}

	label := r.FormValue("label")
	if label == "" {
		label = strings.TrimSuffix(header.Filename, ".pdf")
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	pageCount, err := pdfapi.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("not a readable PDF: %v", err))
		return
	}

	st := svcctx.StoreFrom(r.Context())
	hd := svcctx.HomeFrom(r.Context())

	// The blob key is minted here; the row references it by path.
	ref := home.RawPDFRef(uuid.NewString())
	if err := hd.WriteBlob(ref, data); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store PDF: %v", err))
		return
	}

	dv, err := st.CreateDrawingVersion(r.Context(), r.PathValue("id"), label, ref, pageCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, drawingVersionResponse(dv))
}

func (e *UploadDrawingEndpoint) Command(getServerURL func() string) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "drawings-upload <project-id> <pdf-path>",
		Short: "Upload a drawing set PDF as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			client := api.NewClient(getServerURL())
			var resp DrawingVersionResponse
			fields := map[string]string{}
			if label != "" {
				fields["label"] = label
			}
			if err := client.PostFile(cmd.Context(), "/api/projects/"+args[0]+"/drawings",
				"file", args[1], f, fields, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Version label (defaults to the file name)")
	return cmd
}

// ListDrawingsEndpoint handles GET /api/projects/{id}/drawings.
type ListDrawingsEndpoint struct{}

func (e *ListDrawingsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/projects/{id}/drawings", e.handler
}

func (e *ListDrawingsEndpoint) RequiresInit() bool { return true }

func (e *ListDrawingsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	versions, err := st.ListDrawingVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]DrawingVersionResponse, 0, len(versions))
	for _, dv := range versions {
		out = append(out, drawingVersionResponse(dv))
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *ListDrawingsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "drawings-list <project-id>",
		Short: "List drawing versions for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []DrawingVersionResponse
			if err := client.Get(cmd.Context(), "/api/projects/"+args[0]+"/drawings", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
