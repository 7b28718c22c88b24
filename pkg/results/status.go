package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// DefaultHeartbeatMaxAge is how stale a heartbeat may be before the remote
// worker is reported as not running.
const DefaultHeartbeatMaxAge = 90 * time.Second

// Snapshot summarises the last heartbeat seen from the HPC worker.
type Snapshot struct {
	HPCRunningRemote *bool          `json:"hpc_running_remote"`
	LastHeartbeat    map[string]any `json:"hpc_last_heartbeat"`
	AgeSeconds       *float64       `json:"hpc_heartbeat_age_seconds"`
}

// LoadStatus reads the heartbeat snapshot file. A missing or unreadable
// snapshot yields a zero Snapshot with all pointers nil (state unknown).
func LoadStatus(cacheDir string, maxAge time.Duration) Snapshot {
	if maxAge <= 0 {
		maxAge = DefaultHeartbeatMaxAge
	}
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(cacheDir, statusFileName))
	if err != nil {
		return snap
	}
	var hb map[string]any
	if err := json.Unmarshal(b, &hb); err != nil {
		return snap
	}
	snap.LastHeartbeat = hb

	raw, _ := hb["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return snap
	}
	age := time.Since(ts).Seconds()
	if age < 0 {
		age = 0
	}
	fresh := age <= maxAge.Seconds()
	snap.AgeSeconds = &age
	snap.HPCRunningRemote = &fresh
	return snap
}

// LookupCached scans the results cache for the most recent event of a job.
// It backs the logs/job commands when no terminal record has landed yet.
func LookupCached(cacheDir, jobID string) (map[string]any, bool) {
	f, err := os.Open(filepath.Join(cacheDir, cacheFileName))
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()

	var last map[string]any
	dec := json.NewDecoder(f)
	for {
		var ev map[string]any
		if err := dec.Decode(&ev); err != nil {
			break
		}
		if id, _ := ev["job_id"].(string); id == jobID {
			last = ev
		}
	}
	return last, last != nil
}
