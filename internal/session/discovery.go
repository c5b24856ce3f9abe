package session

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Info summarizes a session directory found on disk.
type Info struct {
	ID       string    `json:"id"`
	Dir      string    `json:"dir"`
	Modified time.Time `json:"modified"`
	Searched int       `json:"searched"`
	Scored   int       `json:"scored"`
	Ranked   int       `json:"ranked"`
}

// ListSessions returns every session directory under outputDir, most
// recently modified first. A missing output directory means no sessions.
func ListSessions(outputDir string) ([]*Info, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []*Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := GetSessionInfo(outputDir, entry.Name())
		if err != nil {
			// Not a session directory
			continue
		}
		sessions = append(sessions, info)
	}

	slices.SortFunc(sessions, func(a, b *Info) int {
		return b.Modified.Compare(a.Modified)
	})
	return sessions, nil
}

// GetSessionInfo counts the pipeline files of one session. A directory
// without a pipelines_searched subdirectory is not a session.
func GetSessionInfo(outputDir, id string) (*Info, error) {
	layout := NewLayout(outputDir, id)
	st, err := os.Stat(layout.Searched())
	if err != nil {
		return nil, err
	}

	info := &Info{ID: id, Dir: layout.Root, Modified: st.ModTime()}
	info.Searched, info.Modified = countJSON(layout.Searched(), info.Modified)
	info.Scored, info.Modified = countJSON(layout.Scored(), info.Modified)
	info.Ranked, info.Modified = countJSON(layout.Ranked(), info.Modified)
	return info, nil
}

// SessionExists reports whether outputDir holds a session with id.
func SessionExists(outputDir, id string) bool {
	_, err := GetSessionInfo(outputDir, id)
	return err == nil
}

func countJSON(dir string, latest time.Time) (int, time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, latest
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		n++
		if fi, err := e.Info(); err == nil && fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	return n, latest
}

// ReadRanked loads the exported pipelines of a session with their ranks,
// lowest rank first.
func ReadRanked(outputDir, id string) ([]RankedDocument, error) {
	layout := NewLayout(outputDir, id)
	matches, err := filepath.Glob(filepath.Join(layout.Ranked(), "*.json"))
	if err != nil {
		return nil, err
	}

	var out []RankedDocument
	for _, path := range matches {
		doc, err := ReadDocument(path)
		if err != nil {
			return nil, err
		}
		rank, err := ReadRank(layout.RankPath(doc.ID))
		if err != nil {
			rank = UnscoredRank
		}
		out = append(out, RankedDocument{Document: *doc, Rank: rank})
	}
	slices.SortStableFunc(out, func(a, b RankedDocument) int {
		switch {
		case a.Rank < b.Rank:
			return -1
		case a.Rank > b.Rank:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// RankedDocument is an exported pipeline and its rank.
type RankedDocument struct {
	Document
	Rank float64 `json:"rank"`
}
