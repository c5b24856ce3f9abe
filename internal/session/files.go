package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/store"
)

// Directory names inside a session directory.
const (
	SearchedDir = "pipelines_searched"
	ScoredDir   = "pipelines_scored"
	RankedDir   = "pipelines_ranked"
	RunsDir     = "pipeline_runs"
)

// UnscoredRank is the rank written for a pipeline without scores.
const UnscoredRank = 1000.0

// Layout locates the files of one session under the output directory.
type Layout struct {
	Root string
}

// NewLayout returns the layout of session id under outputDir.
func NewLayout(outputDir, id string) Layout {
	return Layout{Root: filepath.Join(outputDir, id)}
}

// Create makes every session directory.
func (l Layout) Create() error {
	for _, dir := range []string{l.Searched(), l.Scored(), l.Ranked(), l.Runs()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return nil
}

func (l Layout) Searched() string { return filepath.Join(l.Root, SearchedDir) }
func (l Layout) Scored() string   { return filepath.Join(l.Root, ScoredDir) }
func (l Layout) Ranked() string   { return filepath.Join(l.Root, RankedDir) }
func (l Layout) Runs() string     { return filepath.Join(l.Root, RunsDir) }

// SearchedPath is where a candidate is written before scoring.
func (l Layout) SearchedPath(id string) string { return filepath.Join(l.Searched(), id+".json") }

// ScoredPath is where a candidate is written with its scores.
func (l Layout) ScoredPath(id string) string { return filepath.Join(l.Scored(), id+".json") }

// RankedPath is where an exported pipeline is written.
func (l Layout) RankedPath(id string) string { return filepath.Join(l.Ranked(), id+".json") }

// RankPath holds the plain-text rank of an exported pipeline.
func (l Layout) RankPath(id string) string { return filepath.Join(l.Ranked(), id+".rank") }

// Document is the JSON form of a pipeline in the session directories. The
// searched and scored files differ only by Scores.
type Document struct {
	ID          string             `json:"id"`
	Origin      string             `json:"origin,omitempty"`
	Created     time.Time          `json:"created"`
	Dataset     string             `json:"dataset,omitempty"`
	Description json.RawMessage    `json:"description,omitempty"`
	Scores      map[string]float64 `json:"scores,omitempty"`
}

// NewDocument builds the document of a stored pipeline.
func NewDocument(p *store.Pipeline, scores map[string]float64) Document {
	d := Document{
		ID:      p.ID,
		Origin:  p.Origin,
		Created: p.CreatedAt,
		Dataset: p.Dataset,
	}
	if len(p.Description) > 0 {
		d.Description = json.RawMessage(p.Description)
	}
	if len(scores) > 0 {
		d.Scores = scores
	}
	return d
}

// ReadDocument loads a pipeline document.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &d, nil
}

func writeDocument(path string, d Document) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pipeline %s: %w", d.ID, err)
	}
	return atomicWriteFile(path, data, 0644)
}

// FormatRank renders a rank with up to 12 significant digits and no
// trailing zeros.
func FormatRank(rank float64) string {
	return strconv.FormatFloat(rank, 'g', 12, 64)
}

// ReadRank parses a .rank file.
func ReadRank(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(data), 64)
}

// atomicWriteFile writes through a temp file in the same directory so
// readers never observe a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
