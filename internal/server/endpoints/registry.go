package endpoints

import (
	"github.com/buildtrace/buildtrace/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Project endpoints
		&CreateProjectEndpoint{},
		&GetProjectEndpoint{},
		&ListProjectsEndpoint{},

		// Drawing version endpoints
		&UploadDrawingEndpoint{},
		&ListDrawingsEndpoint{},

		// Job endpoints
		&CreateJobEndpoint{},
		&StartJobEndpoint{},
		&GetJobEndpoint{},
		&ListJobsEndpoint{},
		&CancelJobEndpoint{},
		&JobProgressEndpoint{},
		&JobEventsEndpoint{},

		// Result endpoints
		&ListDiffsEndpoint{},
		&OverlayImageEndpoint{},
		&ListSummariesEndpoint{},
		&UploadOverlayEndpoint{},
		&RegenerateSummaryEndpoint{},
	}
}
