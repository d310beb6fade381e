package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// OutputFormat selects how CLI commands render API responses.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// outputFormat is set once by the root command's --output flag before any
// subcommand runs.
var outputFormat OutputFormat = OutputFormatYAML

// SetOutputFormat sets the process-wide output format. Unknown values fall
// back to YAML.
func SetOutputFormat(format string) {
	switch format {
	case "json":
		outputFormat = OutputFormatJSON
	default:
		outputFormat = OutputFormatYAML
	}
}

// Output renders an API response to stdout in the configured format. Every
// CLI handler funnels its response through here.
func Output(data any) error {
	return OutputTo(os.Stdout, outputFormat, data)
}

// OutputTo writes data to the given writer in the specified format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
