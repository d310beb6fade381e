package summary

import "encoding/json"

// changeSummarySchema constrains the summarizer's structured output.
var changeSummarySchema = json.RawMessage(`{
	"name": "change_summary",
	"strict": true,
	"schema": {
		"type": "object",
		"required": ["overall_summary", "changes", "total_changes"],
		"properties": {
			"overall_summary": {"type": "string"},
			"changes": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "title", "description", "change_type"],
					"properties": {
						"id": {"type": "string"},
						"title": {"type": "string"},
						"description": {"type": "string"},
						"change_type": {"type": "string", "enum": ["added", "modified", "removed"]},
						"location": {"type": ["string", "null"]},
						"impact": {"type": ["string", "null"]},
						"trade": {"type": ["string", "null"]}
					},
					"additionalProperties": false
				}
			},
			"critical_change": {"type": ["boolean", "null"]},
			"recommendations": {
				"type": ["array", "null"],
				"items": {"type": "string"}
			},
			"total_changes": {"type": "integer"}
		},
		"additionalProperties": false
	}
}`)

// ChangeItem is one typed change in a summary document.
type ChangeItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ChangeType  string  `json:"change_type"`
	Location    *string `json:"location,omitempty"`
	Impact      *string `json:"impact,omitempty"`
	Trade       *string `json:"trade,omitempty"`
}

// Document is the structured change description for one matched pair.
type Document struct {
	OverallSummary  string       `json:"overall_summary"`
	Changes         []ChangeItem `json:"changes"`
	CriticalChange  *bool        `json:"critical_change,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	TotalChanges    int          `json:"total_changes"`
}
