// Package home manages the buildtrace home directory: configuration and the
// deterministic object-storage layout for drawing artifacts.
//
// Artifact paths are content-addressed by entity id so that worker retries
// overwrite the same path instead of accumulating duplicates:
//
//	drawings/{drawing_version_id}/raw.pdf
//	drawings/{drawing_version_id}/pages/{page_index}.png
//	jobs/{job_id}/overlays/{drawing_name}.png
//	jobs/{job_id}/manual_overlays/{drawing_name}.png
//	jobs/{job_id}/summaries/{drawing_name}.json
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDirName is the default name for the buildtrace home directory.
	DefaultDirName = ".buildtrace"

	// BlobDirName is the subdirectory holding drawing artifacts.
	BlobDirName = "blobs"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// StoreFileName is the SQLite database file (store + bus queues).
	StoreFileName = "buildtrace.db"
)

// Dir represents the buildtrace home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.buildtrace).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// BlobPath returns the root of the artifact tree.
func (d *Dir) BlobPath() string {
	return filepath.Join(d.path, BlobDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// StorePath returns the path to the SQLite database file.
func (d *Dir) StorePath() string {
	return filepath.Join(d.path, StoreFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.BlobPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// RawPDFRef returns the storage ref (blob-relative path) for an uploaded PDF.
func RawPDFRef(drawingVersionID string) string {
	return filepath.Join("drawings", drawingVersionID, "raw.pdf")
}

// PageImageRef returns the storage ref for a rasterized page.
// Page indices are 0-based, matching PageResult keys.
func PageImageRef(drawingVersionID string, pageIndex int) string {
	return filepath.Join("drawings", drawingVersionID, "pages", fmt.Sprintf("%d.png", pageIndex))
}

// OverlayRef returns the storage ref for a generated change overlay.
func OverlayRef(jobID, drawingName string) string {
	return filepath.Join("jobs", jobID, "overlays", safeName(drawingName)+".png")
}

// ManualOverlayRef returns the storage ref for a user-supplied overlay.
func ManualOverlayRef(jobID, drawingName string) string {
	return filepath.Join("jobs", jobID, "manual_overlays", safeName(drawingName)+".png")
}

// SummaryRef returns the storage ref for a persisted change summary document.
func SummaryRef(jobID, drawingName string) string {
	return filepath.Join("jobs", jobID, "summaries", safeName(drawingName)+".json")
}

// Abs resolves a storage ref to an absolute filesystem path.
func (d *Dir) Abs(ref string) string {
	return filepath.Join(d.BlobPath(), filepath.FromSlash(ref))
}

// ReadBlob reads the artifact at the given storage ref.
func (d *Dir) ReadBlob(ref string) ([]byte, error) {
	data, err := os.ReadFile(d.Abs(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}

// WriteBlob writes the artifact at the given storage ref atomically
// (temp file + rename), so concurrent retries never expose partial writes.
func (d *Dir) WriteBlob(ref string, data []byte) error {
	path := d.Abs(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write blob %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize blob %s: %w", ref, err)
	}
	return nil
}

// BlobExists returns true if an artifact exists at the given ref.
func (d *Dir) BlobExists(ref string) bool {
	_, err := os.Stat(d.Abs(ref))
	return err == nil
}

// safeName makes a drawing name filesystem-safe. Drawing names come out of
// OCR and may contain separators.
func safeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(name)
}
