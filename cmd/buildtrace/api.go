package main

import (
	"github.com/spf13/cobra"

	"github.com/buildtrace/buildtrace/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running BuildTrace server via HTTP.

These commands require a running server (buildtrace serve).
Use --server to specify a custom server URL.

Examples:
  buildtrace api health                   # Check server health
  buildtrace api jobs list                # List all comparison jobs
  buildtrace api jobs get <id>            # Get a specific job`,
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Project and drawing version commands",
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Comparison job commands",
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Diff and summary result commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func addEndpoint(parent *cobra.Command, cmd *cobra.Command) {
	if cmd != nil {
		parent.AddCommand(cmd)
	}
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8585", "Server URL",
	)

	// Health endpoints at top level of api
	addEndpoint(apiCmd, (&endpoints.HealthEndpoint{}).Command(getServerURL))
	addEndpoint(apiCmd, (&endpoints.ReadyEndpoint{}).Command(getServerURL))
	addEndpoint(apiCmd, (&endpoints.StatusEndpoint{}).Command(getServerURL))

	// Projects as subcommand group
	addEndpoint(projectsCmd, (&endpoints.CreateProjectEndpoint{}).Command(getServerURL))
	addEndpoint(projectsCmd, (&endpoints.GetProjectEndpoint{}).Command(getServerURL))
	addEndpoint(projectsCmd, (&endpoints.ListProjectsEndpoint{}).Command(getServerURL))
	addEndpoint(projectsCmd, (&endpoints.UploadDrawingEndpoint{}).Command(getServerURL))
	addEndpoint(projectsCmd, (&endpoints.ListDrawingsEndpoint{}).Command(getServerURL))

	// Jobs as subcommand group
	addEndpoint(jobsCmd, (&endpoints.CreateJobEndpoint{}).Command(getServerURL))
	addEndpoint(jobsCmd, (&endpoints.StartJobEndpoint{}).Command(getServerURL))
	addEndpoint(jobsCmd, (&endpoints.GetJobEndpoint{}).Command(getServerURL))
	addEndpoint(jobsCmd, (&endpoints.ListJobsEndpoint{}).Command(getServerURL))
	addEndpoint(jobsCmd, (&endpoints.CancelJobEndpoint{}).Command(getServerURL))
	addEndpoint(jobsCmd, (&endpoints.JobProgressEndpoint{}).Command(getServerURL))

	// Results as subcommand group
	addEndpoint(resultsCmd, (&endpoints.ListDiffsEndpoint{}).Command(getServerURL))
	addEndpoint(resultsCmd, (&endpoints.ListSummariesEndpoint{}).Command(getServerURL))
	addEndpoint(resultsCmd, (&endpoints.UploadOverlayEndpoint{}).Command(getServerURL))
	addEndpoint(resultsCmd, (&endpoints.RegenerateSummaryEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(projectsCmd)
	apiCmd.AddCommand(jobsCmd)
	apiCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(apiCmd)
}
