package executor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SauersML/hpc-queue/pkg/event"
)

// doneMarker is the idempotence marker: once a terminal event is written
// here, redeliveries re-emit it instead of re-running the job.
const doneMarker = "done.json"

type workspace struct {
	dir string
}

func newWorkspace(resultsDir, jobID string) (*workspace, error) {
	dir := filepath.Join(resultsDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) path(name string) string { return filepath.Join(w.dir, name) }

func (w *workspace) writeInput(job event.JobMessage) error {
	b, err := json.Marshal(map[string]any{"job_id": job.JobID, "input": job.Input})
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if err := os.WriteFile(w.path("input.json"), b, 0o644); err != nil {
		return fmt.Errorf("write input.json: %w", err)
	}
	return nil
}

// stageFiles materialises inline files from the job input. Both the single
// file_name/file_content_b64 pair and the local_files list are honored.
// Returned paths are workspace-relative.
func (w *workspace) stageFiles(in event.Input) ([]string, error) {
	files := in.LocalFiles()
	if name, content := in.FileName(), in.FileContentB64(); name != "" && content != "" {
		files = append(files, event.StagedFile{Path: name, ContentB64: content})
	}

	staged := make([]string, 0, len(files))
	for _, f := range files {
		rel := filepath.Clean(strings.TrimSpace(f.Path))
		if rel == "" || rel == "." || filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("invalid staged file path: %q", f.Path)
		}
		data, err := base64.StdEncoding.DecodeString(f.ContentB64)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 for staged file %q: %w", rel, err)
		}

		target := w.path(rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create staged file dir: %w", err)
		}
		mode := os.FileMode(0o644)
		if f.Mode != "" {
			if parsed, err := strconv.ParseUint(f.Mode, 8, 32); err == nil {
				mode = os.FileMode(parsed)
			}
		}
		if err := os.WriteFile(target, data, mode); err != nil {
			return nil, fmt.Errorf("write staged file %q: %w", rel, err)
		}
		staged = append(staged, rel)
	}
	return staged, nil
}

// readDone returns the recorded terminal event, if this workspace already
// finished a previous attempt.
func (w *workspace) readDone() (*event.ResultEvent, bool) {
	b, err := os.ReadFile(w.path(doneMarker))
	if err != nil {
		return nil, false
	}
	var ev event.ResultEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false
	}
	if !ev.Status.Terminal() {
		return nil, false
	}
	return &ev, true
}

// writeDone records the terminal event via temp file + rename so partial
// writes never masquerade as a completed attempt.
func (w *workspace) writeDone(ev event.ResultEvent) error {
	return writeFileAtomic(w.path(doneMarker), ev)
}

func (w *workspace) writeMeta(meta map[string]any) error {
	return writeFileAtomic(w.path("meta.json"), meta)
}

func writeFileAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
